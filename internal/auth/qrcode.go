package auth

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// QRFlow shows the login QR code and waits for the user to scan it.
type QRFlow struct {
	deps Deps
}

// Login runs the QR flow.
func (f *QRFlow) Login(ctx context.Context) error {
	const op = "auth.QRFlow"
	d := f.deps
	if err := openHome(ctx, d); err != nil {
		return err
	}
	if alreadyLoggedIn(ctx, d) {
		d.Logger.Info("browser already logged in, skipping QR login")
		return finish(ctx, d, op)
	}
	spec := d.Driver.Auth()
	if spec.LoginButtonSelector != "" {
		if err := d.Page.Click(ctx, spec.LoginButtonSelector); err != nil {
			return fmt.Errorf("%s: open login dialog: %w", op, err)
		}
	}
	data, err := d.Page.ElementPNG(ctx, spec.QRSelector)
	if err != nil {
		return fmt.Errorf("%s: capture qr code: %w", op, err)
	}
	if path, err := saveQR(d.DataDir, string(d.Driver.Platform()), data); err != nil {
		d.Logger.Warn("saving QR image failed", zap.Error(err))
	} else if path != "" {
		d.Logger.Info("QR code saved", zap.String("path", path))
	}
	if err := RenderQR(d.Out, data); err != nil {
		d.Logger.Warn("rendering QR code failed", zap.Error(err))
	}
	d.Logger.Info("waiting for QR scan", zap.Duration("timeout", d.Timeout))
	if err := waitLoggedIn(ctx, d, op); err != nil {
		return err
	}
	return finish(ctx, d, op)
}

func saveQR(dir, platform string, data []byte) (string, error) {
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "login_qrcode_"+platform+".png")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// RenderQR draws a PNG on a terminal with half-block characters, two image
// rows per text line.
func RenderQR(w io.Writer, data []byte) error {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode qr png: %w", err)
	}
	const columns = 64
	b := img.Bounds()
	step := b.Dx() / columns
	if step < 1 {
		step = 1
	}
	var sb strings.Builder
	for y := b.Min.Y; y < b.Max.Y; y += 2 * step {
		for x := b.Min.X; x < b.Max.X; x += step {
			top := dark(img, x, y)
			bottom := y+step < b.Max.Y && dark(img, x, y+step)
			switch {
			case top && bottom:
				sb.WriteString("█")
			case top:
				sb.WriteString("▀")
			case bottom:
				sb.WriteString("▄")
			default:
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("write qr: %w", err)
	}
	return nil
}

func dark(img image.Image, x, y int) bool {
	g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
	return g.Y < 128
}
