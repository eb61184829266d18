package receiptformat

import (
	"fmt"
	"slices"
)

// Validate validates a Receipt structure
func Validate(r *Receipt) error {
	if r.Version == "" {
		return fmt.Errorf("version is required")
	}
	if r.Version != Version {
		return fmt.Errorf("unsupported version: %s (expected %s)", r.Version, Version)
	}

	if r.PaperWidth != "" && r.PaperWidth != "58mm" && r.PaperWidth != "80mm" {
		return fmt.Errorf("invalid paper_width: %s (must be 58mm or 80mm)", r.PaperWidth)
	}
	if r.Copies < 0 || r.Copies > 10 {
		return fmt.Errorf("invalid copies: %d (must be 0-10)", r.Copies)
	}

	if len(r.Commands) == 0 {
		return fmt.Errorf("at least one command is required")
	}

	for i := range r.Commands {
		if err := validateCommand(&r.Commands[i]); err != nil {
			return fmt.Errorf("command[%d]: %w", i, err)
		}
	}

	return nil
}

func validateCommand(cmd *Command) error {
	if cmd.Type == "" {
		return fmt.Errorf("command type is required")
	}

	switch cmd.Type {
	case TypeText, TypeHeader, TypeEmphasis, TypeTitle:
		return validateTextCommand(cmd)
	case TypeBarcode:
		return validateBarcodeCommand(cmd)
	case TypeQRCode:
		return validateQRCodeCommand(cmd)
	case TypeFeed:
		if cmd.Lines < 0 || cmd.Lines > 255 {
			return fmt.Errorf("invalid feed lines %d (must be 0-255)", cmd.Lines)
		}
		return nil
	case TypeDivider:
		if len([]rune(cmd.Char)) > 1 {
			return fmt.Errorf("divider char must be a single character")
		}
		return nil
	case TypeCut, TypeDrawer:
		return nil
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func validateTextCommand(cmd *Command) error {
	// Empty text is a blank line; markers need content
	if cmd.Type != TypeText && cmd.Value == "" {
		return fmt.Errorf("%s command requires value", cmd.Type)
	}

	if cmd.Align != "" && !slices.Contains([]string{AlignLeft, AlignCenter, AlignRight}, cmd.Align) {
		return fmt.Errorf("invalid align '%s' (must be left, center, or right)", cmd.Align)
	}
	if cmd.Size < 0 || cmd.Size > 2 {
		return fmt.Errorf("invalid size %d (must be 1 or 2)", cmd.Size)
	}

	return nil
}

func validateBarcodeCommand(cmd *Command) error {
	if cmd.Value == "" {
		return fmt.Errorf("barcode command requires value")
	}

	if cmd.Format != "" && !slices.Contains([]string{"EAN13", "EAN8", "CODE39", "CODE128"}, cmd.Format) {
		return fmt.Errorf("invalid barcode format '%s'", cmd.Format)
	}

	return nil
}

func validateQRCodeCommand(cmd *Command) error {
	if cmd.Value == "" {
		return fmt.Errorf("qrcode command requires value")
	}

	if cmd.ErrorCorrection != "" && !slices.Contains([]string{"L", "M", "Q", "H"}, cmd.ErrorCorrection) {
		return fmt.Errorf("invalid error_correction '%s' (must be L, M, Q, or H)", cmd.ErrorCorrection)
	}

	return nil
}
