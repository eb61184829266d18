package printer

import (
	"fmt"
	"image"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
	"github.com/boombuler/barcode/code39"
	"github.com/boombuler/barcode/ean"
	"github.com/disintegration/imaging"
	"github.com/skip2/go-qrcode"

	"github.com/thereceipt/printlink/pkg/receiptformat"
)

// codeImage rasterizes a qrcode or barcode marker to fit dotWidth.
func codeImage(cmd receiptformat.Command, dotWidth int) (image.Image, error) {
	switch cmd.Type {
	case receiptformat.TypeQRCode:
		return qrImage(cmd, dotWidth)
	case receiptformat.TypeBarcode:
		return barcodeImage(cmd, dotWidth)
	}
	return nil, fmt.Errorf("not a code command: %s", cmd.Type)
}

func qrImage(cmd receiptformat.Command, dotWidth int) (image.Image, error) {
	level := qrcode.Medium
	switch cmd.ErrorCorrection {
	case "L":
		level = qrcode.Low
	case "Q":
		level = qrcode.High
	case "H":
		level = qrcode.Highest
	}

	qr, err := qrcode.New(cmd.Value, level)
	if err != nil {
		return nil, fmt.Errorf("qrcode: %w", err)
	}

	size := cmd.Width
	if size <= 0 {
		size = dotWidth / 2
	}
	size = min(size, dotWidth)

	return qr.Image(size), nil
}

func barcodeImage(cmd receiptformat.Command, dotWidth int) (image.Image, error) {
	var (
		bc  barcode.Barcode
		err error
	)
	switch cmd.Format {
	case "CODE39":
		bc, err = code39.Encode(cmd.Value, false, false)
	case "EAN13", "EAN8":
		bc, err = ean.Encode(cmd.Value)
	default:
		bc, err = code128.Encode(cmd.Value)
	}
	if err != nil {
		return nil, fmt.Errorf("barcode: %w", err)
	}

	height := cmd.Height
	if height <= 0 {
		height = 80
	}

	// Whole-module scaling keeps bars crisp; fall back to a resample when the
	// code is wider than the paper.
	modules := bc.Bounds().Dx()
	width := modules * max(1, (dotWidth-32)/max(modules, 1))
	if modules > dotWidth {
		return imaging.Resize(bc, dotWidth, height, imaging.NearestNeighbor), nil
	}
	scaled, err := barcode.Scale(bc, width, height)
	if err != nil {
		return nil, fmt.Errorf("barcode: %w", err)
	}
	return scaled, nil
}
