package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
)

func (a *App) updateMainMenu() {
	max := 6
	if inpututil.IsKeyJustPressed(ebiten.KeyArrowUp) && a.menuIdx > 0 {
		a.menuIdx--
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyArrowDown) && a.menuIdx < max {
		a.menuIdx++
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEnter) {
		switch a.menuIdx {
		case 0:
			if err := a.saveSlot(a.currentSlot); err == nil {
				a.toast(fmt.Sprintf("Saved slot %d", a.currentSlot+1))
			} else {
				a.toast("Save failed: " + err.Error())
			}
		case 1:
			if _, err := os.Stat(a.statePath(a.currentSlot)); err != nil {
				a.toast("Slot is empty")
			} else if err := a.loadSlot(a.currentSlot); err == nil {
				a.toast(fmt.Sprintf("Loaded slot %d", a.currentSlot+1))
			} else {
				a.toast("Load failed: " + err.Error())
			}
		case 2:
			a.menuMode = "slot"
			a.menuIdx = a.currentSlot
		case 3:
			a.romList = a.findROMs()
			a.romSel = 0
			a.romOff = 0
			a.menuMode = "rom"
		case 4:
			a.menuMode = "settings"
			a.menuIdx = 0
			a.editingROMDir = false
		case 5:
			a.menuMode = "keys"
			a.keysOff = 0
		case 6:
			a.showMenu = false
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyBackspace) {
		a.showMenu = false
	}
}

func (a *App) updateSlotMenu() {
	if inpututil.IsKeyJustPressed(ebiten.KeyArrowUp) && a.menuIdx > 0 {
		a.menuIdx--
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyArrowDown) && a.menuIdx < 3 {
		a.menuIdx++
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEnter) {
		a.currentSlot = a.menuIdx
		a.toast(fmt.Sprintf("Slot set to %d", a.currentSlot+1))
		a.menuMode = "main"
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) || inpututil.IsKeyJustPressed(ebiten.KeyBackspace) {
		a.menuMode = "main"
	}
}

func (a *App) updateRomMenu() {
	n := len(a.romList)
	if n == 0 {
		if inpututil.IsKeyJustPressed(ebiten.KeyEnter) || inpututil.IsKeyJustPressed(ebiten.KeyEscape) || inpututil.IsKeyJustPressed(ebiten.KeyBackspace) {
			a.menuMode = "main"
		}
		return
	}
	baseY := 40
	maxRows := (144 - baseY) / 14
	if maxRows < 1 {
		maxRows = 1
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyArrowUp) && a.romSel > 0 {
		a.romSel--
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyArrowDown) && a.romSel < n-1 {
		a.romSel++
	}
	if a.romSel < a.romOff {
		a.romOff = a.romSel
	}
	if a.romSel >= a.romOff+maxRows {
		a.romOff = a.romSel - maxRows + 1
	}
	if a.romOff < 0 {
		a.romOff = 0
	}
	if a.romOff > n-1 {
		a.romOff = n - 1
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEnter) {
		path := a.romList[a.romSel]
		if err := a.m.LoadROMFromFile(path); err == nil {
			a.toast("Loaded ROM: " + path)
			if strings.HasSuffix(strings.ToLower(path), ".gb") {
				sav := strings.TrimSuffix(path, ".gb") + ".sav"
				if data, err := os.ReadFile(sav); err == nil {
					_ = a.m.LoadBattery(data)
				}
			}
			title := a.cfg.Title
			if t := a.m.ROMTitle(); t != "" {
				title = a.cfg.Title + " - [" + t + "]"
			}
			ebiten.SetWindowTitle(title)
		} else {
			a.toast("ROM load failed: " + err.Error())
		}
		a.menuMode = "main"
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) || inpututil.IsKeyJustPressed(ebiten.KeyBackspace) {
		a.menuMode = "main"
	}
}

func (a *App) updateKeysMenu() {
	if inpututil.IsKeyJustPressed(ebiten.KeyArrowUp) && a.keysOff > 0 {
		a.keysOff--
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyArrowDown) {
		a.keysOff++
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEnter) || inpututil.IsKeyJustPressed(ebiten.KeyEscape) || inpututil.IsKeyJustPressed(ebiten.KeyBackspace) {
		a.menuMode = "main"
	}
}

func (a *App) updateSettingsMenu() {
	const items = 2 // Scale, ROMs Dir
	if !a.editingROMDir {
		if inpututil.IsKeyJustPressed(ebiten.KeyArrowUp) && a.menuIdx > 0 {
			a.menuIdx--
		}
		if inpututil.IsKeyJustPressed(ebiten.KeyArrowDown) && a.menuIdx < items-1 {
			a.menuIdx++
		}
	}
	switch {
	case a.menuIdx == 0 && !a.editingROMDir: // Scale
		if inpututil.IsKeyJustPressed(ebiten.KeyArrowLeft) && a.cfg.Scale > 1 {
			a.cfg.Scale--
			ebiten.SetWindowSize(160*a.cfg.Scale, 144*a.cfg.Scale)
			a.saveSettings()
		}
		if inpututil.IsKeyJustPressed(ebiten.KeyArrowRight) && a.cfg.Scale < 10 {
			a.cfg.Scale++
			ebiten.SetWindowSize(160*a.cfg.Scale, 144*a.cfg.Scale)
			a.saveSettings()
		}
	case a.menuIdx == 1: // ROMs Dir edit mode
		if !a.editingROMDir {
			if inpututil.IsKeyJustPressed(ebiten.KeyEnter) {
				a.editingROMDir = true
				a.romDirInput = a.cfg.ROMsDir
			}
		} else {
			for _, r := range ebiten.InputChars() {
				if r != '\n' && r != '\r' {
					a.romDirInput += string(r)
				}
			}
			if inpututil.IsKeyJustPressed(ebiten.KeyBackspace) && len(a.romDirInput) > 0 {
				a.romDirInput = a.romDirInput[:len(a.romDirInput)-1]
			}
			if inpututil.IsKeyJustPressed(ebiten.KeyEnter) {
				if val := strings.TrimSpace(a.romDirInput); val != "" {
					a.cfg.ROMsDir = val
					a.saveSettings()
					a.romList = a.findROMs()
					a.toast("ROMs dir set")
				}
				a.editingROMDir = false
			}
			if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
				a.editingROMDir = false
				a.romDirInput = a.cfg.ROMsDir
			}
		}
	}
	if !a.editingROMDir && (inpututil.IsKeyJustPressed(ebiten.KeyEnter) && a.menuIdx == 0 ||
		inpututil.IsKeyJustPressed(ebiten.KeyEscape) || inpututil.IsKeyJustPressed(ebiten.KeyBackspace)) {
		a.menuMode = "main"
	}
}
