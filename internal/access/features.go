package access

// Feature is a protected part of the app.
type Feature struct {
	Name                   string
	Label                  string
	RequireProfileComplete bool
}

// Features is the catalogue of gated features.
var Features = []Feature{
	{Name: "chat", Label: "AI Chat Assistant"},
	{Name: "feedback", Label: "Feedback Form"},
	{Name: "weather", Label: "Weather Forecasts"},
	{Name: "market-prices", Label: "Market Prices"},
	{Name: "pest-check", Label: "Pest Detection", RequireProfileComplete: true},
	{Name: "quests", Label: "Farming Quests", RequireProfileComplete: true},
	{Name: "community", Label: "Community", RequireProfileComplete: true},
}

// Lookup finds a feature by name.
func Lookup(name string) (Feature, bool) {
	for _, f := range Features {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}
