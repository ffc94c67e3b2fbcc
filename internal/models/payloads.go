package models

// These structs define the JSON payloads exchanged with the orchestrating
// workflow and the internal callers of the page functions.

// ConvertPageRequest is the input for the convert-page function.
type ConvertPageRequest struct {
	DocumentVersionID string `json:"documentVersionId"`
	PageNumber        int    `json:"pageNumber"`
	URL               string `json:"url"`
	TeamID            string `json:"teamId"`
	StorageType       string `json:"storageType,omitempty"`
	FileKey           string `json:"fileKey,omitempty"`
}

// ConvertPageResponse is the output of a successful conversion.
type ConvertPageResponse struct {
	DocumentPageID string `json:"documentPageId"`
}

// BlockedResponse is returned when a page link matches the blocklist.
type BlockedResponse struct {
	Error          string `json:"error"`
	MatchedURL     string `json:"matchedUrl"`
	MatchedKeyword string `json:"matchedKeyword"`
	PageNumber     int    `json:"pageNumber"`
}

// GetPagesRequest is the input for the get-pages function.
type GetPagesRequest struct {
	URL         string `json:"url"`
	StorageType string `json:"storageType,omitempty"`
	FileKey     string `json:"fileKey,omitempty"`
}

// GetPagesResponse is the output of the get-pages function.
type GetPagesResponse struct {
	NumPages int `json:"numPages"`
}

// ErrorResponse is the generic failure body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ConversionWorkflowArgs is the argument passed to the page conversion workflow.
type ConversionWorkflowArgs struct {
	DocumentVersionID string `json:"documentVersionId"`
	TeamID            string `json:"teamId"`
	PageCount         int    `json:"pageCount"`
	URL               string `json:"url"`
	StorageType       string `json:"storageType"`
	FileKey           string `json:"fileKey"`
}
