package browser

import (
	"fmt"
	"os/exec"
	"time"
)

// startXvfb launches a virtual display for headful mode.
func (s *Session) startXvfb() error {
	if s.xvfb != nil {
		return nil
	}
	cmd := exec.Command("Xvfb", s.cfg.XvfbDisplay, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	s.xvfb = cmd

	// Xvfb accepts connections shortly after start.
	time.Sleep(500 * time.Millisecond)

	s.log.Info("browser: xvfb started", "display", s.cfg.XvfbDisplay, "pid", cmd.Process.Pid)
	return nil
}

func (s *Session) stopXvfb() {
	if s.xvfb == nil {
		return
	}
	if s.xvfb.Process != nil {
		s.xvfb.Process.Kill()
		s.xvfb.Wait()
	}
	s.log.Info("browser: xvfb stopped")
	s.xvfb = nil
}
