package main

import (
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cart"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/emu"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/ui"
	"github.com/urfave/cli/v2"
)

// shade2bit maps a 2-bit palette index (0=lightest, 3=darkest) to a DMG
// green-tinted gray, matching the panel ui draws onscreen.
var shade2bit = [4]color.RGBA{
	{224, 248, 208, 255},
	{136, 192, 112, 255},
	{52, 104, 86, 255},
	{8, 24, 32, 255},
}

func runHeadless(m *emu.Machine, frames int, pngPath, expectCRC string) error {
	if frames <= 0 {
		frames = 1
	}

	start := time.Now()
	for i := 0; i < frames; i++ {
		m.StepFrame()
	}
	dur := time.Since(start)

	idx := m.FrameBuffer() // 160x144, 2-bit palette indices
	rgba := make([]byte, len(idx)*4)
	for i, v := range idx {
		c := shade2bit[v&0x03]
		rgba[i*4+0], rgba[i*4+1], rgba[i*4+2], rgba[i*4+3] = c.R, c.G, c.B, c.A
	}
	crc := crc32.ChecksumIEEE(rgba)
	fps := float64(frames) / dur.Seconds()

	log.Printf("headless: frames=%d elapsed=%s fps=%.2f fb_crc32=%08x",
		frames, dur.Truncate(time.Millisecond), fps, crc)

	if pngPath != "" {
		if err := saveFramePNG(rgba, 160, 144, pngPath); err != nil {
			return fmt.Errorf("write PNG: %w", err)
		}
		log.Printf("wrote %s", pngPath)
	}

	if expectCRC != "" {
		want := strings.TrimPrefix(strings.ToLower(expectCRC), "0x")
		got := fmt.Sprintf("%08x", crc)
		if got != want {
			return fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
		}
	}
	return nil
}

func saveFramePNG(pix []byte, w, h int, path string) error {
	img := &image.RGBA{
		Pix:    make([]byte, len(pix)),
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}
	copy(img.Pix, pix)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func run(c *cli.Context) error {
	romPath := c.String("rom")
	var rom []byte
	if romPath != "" {
		var err error
		rom, err = os.ReadFile(romPath)
		if err != nil {
			return fmt.Errorf("read rom: %w", err)
		}
	}

	if len(rom) >= 0x150 {
		if h, err := cart.ParseHeader(rom); err == nil {
			log.Printf("ROM: %q type=%s banks=%d ram=%dB", h.Title, h.CartTypeStr, h.ROMBanks, h.RAMSizeBytes)
		}
	}

	emuCfg := emu.Config{
		Trace:    c.Bool("trace"),
		LimitFPS: false, // headless wants max speed
	}
	m := emu.New(emuCfg)
	saveRAM := c.Bool("save")
	var savPath string
	if len(rom) > 0 {
		if abs, err := filepath.Abs(romPath); err == nil {
			romPath = abs
		}
		if err := m.LoadROMFromFile(romPath); err != nil {
			return fmt.Errorf("load cart: %w", err)
		}

		if saveRAM {
			savPath = m.SavePath()
			if data, err := os.ReadFile(savPath); err == nil {
				if m.LoadBattery(data) {
					log.Printf("loaded save RAM: %s (%d bytes)", savPath, len(data))
				}
			}
		}
	}

	if c.Bool("headless") {
		if err := runHeadless(m, c.Int("frames"), c.String("outpng"), c.String("expect")); err != nil {
			return err
		}
		if saveRAM && savPath != "" {
			if data, ok := m.SaveBattery(); ok {
				if err := os.WriteFile(savPath, data, 0644); err == nil {
					log.Printf("wrote %s", savPath)
				}
			}
		}
		return nil
	}

	uiCfg := ui.Config{Title: c.String("title"), Scale: c.Int("scale")}
	app := ui.NewApp(uiCfg, m)
	if err := app.Run(); err != nil {
		return err
	}
	if saveRAM {
		outSav := savPath
		if outSav == "" {
			outSav = m.SavePath()
		}
		if outSav != "" {
			if data, ok := m.SaveBattery(); ok {
				if err := os.WriteFile(outSav, data, 0644); err == nil {
					log.Printf("wrote %s", outSav)
				}
			}
		}
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "gbemu",
		Usage: "a cycle-accurate Game Boy core with an ebiten front end",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rom", Usage: "path to ROM (.gb)"},
			&cli.IntFlag{Name: "scale", Value: 3, Usage: "window scale"},
			&cli.StringFlag{Name: "title", Value: "gbemu", Usage: "window title"},
			&cli.BoolFlag{Name: "trace", Usage: "CPU trace log"},
			&cli.BoolFlag{Name: "save", Value: true, Usage: "persist battery RAM to ROM.sav on exit and load on start"},
			&cli.BoolFlag{Name: "headless", Usage: "run without a window"},
			&cli.IntFlag{Name: "frames", Value: 300, Usage: "frames to run in headless mode"},
			&cli.StringFlag{Name: "outpng", Usage: "write last framebuffer to PNG at path"},
			&cli.StringFlag{Name: "expect", Usage: "assert framebuffer CRC32 (hex)"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
