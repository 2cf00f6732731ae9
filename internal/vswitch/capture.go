package vswitch

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/vswitch/internal/packet"
)

const captureSnapLen = 65535

// Capture writes received frames to a pcap file.
type Capture struct {
	f *os.File

	mu sync.Mutex
	w  *pcapgo.Writer
}

// OpenCapture creates path and writes the pcap file header.
func OpenCapture(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: %w", err)
	}
	return &Capture{f: f, w: w}, nil
}

// Write appends the frame of pkb. IP packets without an ethernet header
// are skipped.
func (c *Capture) Write(pkb *packet.Buffer) error {
	if pkb.IsL3() {
		return nil
	}
	data := pkb.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: min(len(data), captureSnapLen),
		Length:        len(data),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return io.ErrClosedPipe
	}
	return c.w.WritePacket(ci, data[:ci.CaptureLength])
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = nil
	return c.f.Close()
}
