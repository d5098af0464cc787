package reconcile

type WebhookResponse struct {
	Outcome Outcome `json:"outcome"`
}

// PlansResponse is the public view of the plan catalog.
type PlansResponse struct {
	Version int    `json:"version"`
	Plans   []Plan `json:"plans"`
	Packs   []Pack `json:"packs"`
}
