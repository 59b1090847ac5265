package platform

// DefaultAdapters returns the production adapter set, keyed by platform
// name.
func DefaultAdapters() map[string]Adapter {
	return map[string]Adapter{
		"slack":  NewSlackAdapter(SlackOptions{}),
		"gmail":  NewGmailAdapter(GmailOptions{}),
		"notion": NewNotionAdapter(NotionOptions{}),
		"gcal":   NewGCalAdapter(GCalOptions{}),
	}
}
