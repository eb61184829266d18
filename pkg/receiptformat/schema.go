// Package receiptformat defines the print payload accepted by the connection manager.
//
// A receipt is a flat list of commands. Text carries the content; every other
// command is a structural marker (header, emphasis, divider, cut...) that the
// printer layer translates into the active dialect's control bytes.
package receiptformat

// Receipt is the root structure of a print payload
type Receipt struct {
	Version    string    `json:"version"`
	Name       string    `json:"name,omitempty"`
	PaperWidth string    `json:"paper_width,omitempty"` // "58mm", "80mm"
	Copies     int       `json:"copies,omitempty"`
	Commands   []Command `json:"commands"`
}

// Command types
const (
	TypeText     = "text"
	TypeHeader   = "header"
	TypeEmphasis = "emphasis"
	TypeTitle    = "title"
	TypeDivider  = "divider"
	TypeFeed     = "feed"
	TypeCut      = "cut"
	TypeQRCode   = "qrcode"
	TypeBarcode  = "barcode"
	TypeDrawer   = "drawer"
)

// Alignment values
const (
	AlignLeft   = "left"
	AlignCenter = "center"
	AlignRight  = "right"
)

// Command represents any receipt command
type Command struct {
	Type string `json:"type"`

	// Text, header, emphasis, title
	Value     string `json:"value,omitempty"`
	Bold      bool   `json:"bold,omitempty"`
	Underline bool   `json:"underline,omitempty"`
	Size      int    `json:"size,omitempty"` // 1 normal, 2 double
	Align     string `json:"align,omitempty"`

	// Feed command
	Lines int `json:"lines,omitempty"`

	// Cut command
	Partial bool `json:"partial,omitempty"`

	// Divider command
	Char   string `json:"char,omitempty"`
	Length int    `json:"length,omitempty"`

	// Barcode command
	Format string `json:"format,omitempty"`
	Height int    `json:"height,omitempty"`

	// QR code command
	ErrorCorrection string `json:"error_correction,omitempty"`
	Width           int    `json:"width,omitempty"`
}

// Columns returns the printable character width for the paper size.
func (r *Receipt) Columns() int {
	if r.PaperWidth == "58mm" {
		return 32
	}
	return 48
}

// DotWidth returns the raster width in dots for the paper size.
func (r *Receipt) DotWidth() int {
	if r.PaperWidth == "58mm" {
		return 384
	}
	return 576
}
