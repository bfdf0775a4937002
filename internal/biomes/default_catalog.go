package biomes

func boolPtr(v bool) *bool { return &v }

// DefaultCatalog is the compiled-in biome set, used when no catalog file is
// supplied. NORMAL is just another entry whose notify flag is off.
func DefaultCatalog() *Catalog {
	return NewCatalog(map[string]Info{
		"NORMAL": {
			Emoji:       "🌳",
			Color:       "#aef28e",
			Description: "Baseline weather.",
			Notify:      boolPtr(false),
		},
		"RAINY": {
			Emoji:       "🌧️",
			Color:       "#4a79d9",
			Description: "Rain boosts aquatic rolls.",
		},
		"WINDY": {
			Emoji:       "🍃",
			Color:       "#91e6ff",
			Description: "High winds.",
		},
		"SNOWY": {
			Emoji:       "❄️",
			Color:       "#d9f1ff",
			Description: "Snowfall.",
		},
		"SAND STORM": {
			Emoji:       "🏜️",
			Color:       "#e8d28a",
			Description: "Reduced visibility, desert rolls.",
		},
		"HELL": {
			Emoji:       "🔥",
			Color:       "#d9593d",
			Description: "Infernal biome.",
		},
		"STARFALL": {
			Emoji:       "🌠",
			Color:       "#8a7ae8",
			Description: "Meteor shower.",
		},
		"CORRUPTION": {
			Emoji:       "🟣",
			Color:       "#9a4ad9",
			Description: "Corrupted terrain.",
		},
		"NULL": {
			Emoji:       "⬛",
			Color:       "#26262b",
			Description: "Void biome.",
		},
		"GRAVEYARD": {
			Emoji:       "🪦",
			Color:       "#7d8089",
			Description: "Haunted grounds.",
		},
		"PUMPKIN MOON": {
			Emoji:       "🎃",
			Color:       "#e88a3d",
			Description: "Harvest-night event biome.",
		},
		"GLITCHED": {
			Emoji:       "🌀",
			Color:       "#54f2c6",
			Description: "Extremely rare glitch state.",
			Rare:        true,
		},
		"DREAMSPACE": {
			Emoji:       "💤",
			Color:       "#f29ee8",
			Description: "Extremely rare dream state.",
			Rare:        true,
		},
	})
}
