// Package hal wires the boot-time devices described by the bootloader.
package hal

import (
	"kernel64/kernel"
	"kernel64/kernel/driver/tty"
	"kernel64/kernel/driver/video/console"
	"kernel64/kernel/hal/multiboot"
	"kernel64/kernel/mem/physmem"
)

// Terminal is a text terminal together with the console it draws on.
type Terminal struct {
	*tty.Vt
	Console *console.Ega
}

// InitTerminal provides a basic terminal on the EGA text framebuffer
// reported by the bootloader, allowing the kernel to emit output before
// anything else is set up. The screen is cleared.
func InitTerminal(fbInfo *multiboot.FramebufferInfo, memory physmem.Memory) (*Terminal, *kernel.Error) {
	if fbInfo == nil {
		return nil, kernel.Errorf("hal", kernel.InvalidArgument, "no framebuffer available")
	}
	if fbInfo.Type != multiboot.FramebufferTypeEGA {
		return nil, kernel.Errorf("hal", kernel.InvalidArgument, "framebuffer type %d is not EGA text mode", fbInfo.Type)
	}
	if fbInfo.Width > 0xFFFF || fbInfo.Height > 0xFFFF {
		return nil, kernel.Errorf("hal", kernel.InvalidArgument, "framebuffer dimensions %dx%d are too large", fbInfo.Width, fbInfo.Height)
	}

	cons, err := console.NewEga(memory, fbInfo.PhysAddr, uint16(fbInfo.Width), uint16(fbInfo.Height))
	if err != nil {
		return nil, err
	}

	term := &Terminal{Vt: &tty.Vt{}, Console: cons}
	term.AttachTo(cons)
	term.Clear()
	return term, nil
}
