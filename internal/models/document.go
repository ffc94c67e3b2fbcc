package models

import (
	"fmt"
	"time"
)

// DocumentVersion is one binary revision of a document in Firestore.
// IsVertical is derived from page 1; NumPages never changes once set.
type DocumentVersion struct {
	ID          string    `firestore:"-"`
	DocumentID  string    `firestore:"documentId,omitempty"`
	TeamID      string    `firestore:"teamId,omitempty"`
	File        string    `firestore:"file,omitempty"`
	StorageType string    `firestore:"storageType,omitempty"`
	NumPages    int       `firestore:"numPages,omitempty"`
	IsVertical  bool      `firestore:"isVertical"`
	CreatedAt   time.Time `firestore:"createdAt,omitempty"`
}

// DocumentPage is a rendered page. (VersionID, PageNumber) is unique and the
// record is never changed after it is created.
type DocumentPage struct {
	ID          string       `firestore:"id"`
	VersionID   string       `firestore:"versionId"`
	PageNumber  int          `firestore:"pageNumber"`
	File        string       `firestore:"file"`
	StorageType string       `firestore:"storageType"`
	PageLinks   []PageLink   `firestore:"pageLinks"`
	Metadata    PageMetadata `firestore:"metadata"`
	CreatedAt   time.Time    `firestore:"createdAt"`
}

// PageLink is an embedded navigational target on a page.
type PageLink struct {
	Href        string      `firestore:"href" json:"href"`
	BoundingBox BoundingBox `firestore:"boundingBox" json:"boundingBox"`
}

// BoundingBox is in points, top-left origin, relative to the page box.
type BoundingBox struct {
	X0 float64 `firestore:"x0" json:"x0"`
	Y0 float64 `firestore:"y0" json:"y0"`
	X1 float64 `firestore:"x1" json:"x1"`
	Y1 float64 `firestore:"y1" json:"y1"`
}

// Coords renders the box as the comma-joined form the viewer overlays use.
func (b BoundingBox) Coords() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.X0, b.Y0, b.X1, b.Y1)
}

// PageMetadata records the page geometry and the scale actually rendered.
type PageMetadata struct {
	OriginalWidth  float64 `firestore:"originalWidth" json:"originalWidth"`
	OriginalHeight float64 `firestore:"originalHeight" json:"originalHeight"`
	Width          float64 `firestore:"width" json:"width"`
	Height         float64 `firestore:"height" json:"height"`
	ScaleFactor    float64 `firestore:"scaleFactor" json:"scaleFactor"`
	Format         string  `firestore:"format" json:"format"`
}

// StorageTypeGCS marks objects addressed by a gs:// URI.
const StorageTypeGCS = "GCS_PATH"
