package dto

// RefreshBundleRequest identifies a bundle by paper or by its own id.
type RefreshBundleRequest struct {
	PaperID  string `json:"paperId" validate:"required_without=BundleID"`
	BundleID string `json:"bundleId" validate:"required_without=PaperID"`
}

// BundleQuery mirrors marketplace listing filters.
type BundleQuery struct {
	IncludeCompleted bool
	HasUnassigned    bool
	Page             int
	PageSize         int
}
