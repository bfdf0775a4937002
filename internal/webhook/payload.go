package webhook

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"biomewatch/internal/biomes"
)

// Discord-compatible webhook body. Formatting stays minimal: the contract
// is (account, event, phase, timestamp) plus the catalog's display
// metadata; anything fancier is a presentation concern, not ours.
type payload struct {
	Username string  `json:"username"`
	Content  string  `json:"content,omitempty"`
	Embeds   []embed `json:"embeds"`
}

type embed struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Color       int        `json:"color,omitempty"`
	Timestamp   string     `json:"timestamp"`
	Thumbnail   *thumbnail `json:"thumbnail,omitempty"`
	Footer      *footer    `json:"footer,omitempty"`
}

type thumbnail struct {
	URL string `json:"url"`
}

type footer struct {
	Text string `json:"text"`
}

func buildPayload(account, event, phase string, at time.Time, catalog *biomes.Catalog) payload {
	info, _ := catalog.Lookup(event)
	display := catalog.DisplayName(event)

	title := fmt.Sprintf("%s %s started", info.Emoji, display)
	if phase == PhaseEnd {
		title = fmt.Sprintf("%s %s ended", info.Emoji, display)
	}
	e := embed{
		Title:       strings.TrimSpace(title),
		Description: info.Description,
		Color:       colorValue(info.Color),
		Timestamp:   at.UTC().Format(time.RFC3339),
		Footer:      &footer{Text: account},
	}
	if info.Thumbnail != "" {
		e.Thumbnail = &thumbnail{URL: info.Thumbnail}
	}
	return payload{Username: "biomewatch", Embeds: []embed{e}}
}

func colorValue(hex string) int {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if trimmed == "" {
		return 0
	}
	value, err := strconv.ParseInt(trimmed, 16, 32)
	if err != nil {
		return 0
	}
	return int(value)
}
