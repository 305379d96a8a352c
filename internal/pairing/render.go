// Package pairing renders WhatsApp pairing codes as QR images so the
// owner can link the session from the phone.
package pairing

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/skip2/go-qrcode"
)

// ImageSize is the PNG edge length in pixels.
const ImageSize = 256

// Config configures a Renderer.
type Config struct {
	// File is where the PNG is written. Empty disables the file.
	File string
	// Terminal receives a text rendering of each code. Nil disables it.
	Terminal io.Writer
	Logger   *slog.Logger
}

// Renderer writes pairing codes to a PNG file and, optionally, to a
// terminal.
type Renderer struct {
	file     string
	terminal io.Writer
	logger   *slog.Logger
}

// New creates a Renderer.
func New(cfg Config) *Renderer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Renderer{
		file:     cfg.File,
		terminal: cfg.Terminal,
		logger:   cfg.Logger,
	}
}

// Render draws code. The previous PNG, if any, is replaced.
func (r *Renderer) Render(code string) error {
	if code == "" {
		return errors.New("pairing: empty code")
	}

	if r.file != "" {
		if err := qrcode.WriteFile(code, qrcode.Medium, ImageSize, r.file); err != nil {
			return fmt.Errorf("write pairing image %s: %w", r.file, err)
		}
		r.logger.Info("pairing code written", "file", r.file)
	}

	if r.terminal != nil {
		art, err := Terminal(code)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.terminal, "\nScan with WhatsApp > Linked devices:\n%s\n", art)
	}
	return nil
}

// Clear removes the PNG once the session is linked. A missing file is
// not an error.
func (r *Renderer) Clear() error {
	if r.file == "" {
		return nil
	}
	err := os.Remove(r.file)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove pairing image: %w", err)
	}
	if err == nil {
		r.logger.Debug("pairing image removed", "file", r.file)
	}
	return nil
}

// Terminal returns code as a compact block-character QR suitable for a
// dark-on-light terminal.
func Terminal(code string) (string, error) {
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("encode pairing code: %w", err)
	}
	return q.ToSmallString(false), nil
}
