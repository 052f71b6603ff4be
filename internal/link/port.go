package link

import (
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ReadTimeout bounds every blocking read on a serial port. A read that
// times out returns zero bytes and no error.
const ReadTimeout = 2 * time.Second

// DefaultBaudRate matches the XBee factory setting.
const DefaultBaudRate = 9600

// Port is a byte transport. serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
}

// PortConfig names one radio connection.
type PortConfig struct {
	Name     string `yaml:"name" json:"name"`          // label used for per-link heartbeats, e.g. "sail"
	Path     string `yaml:"path" json:"path"`          // e.g. /dev/ttyUSB0 or COM17
	BaudRate int    `yaml:"baud_rate" json:"baudRate"` // 0 means DefaultBaudRate
}

// Opener opens a configured port.
type Opener func(cfg PortConfig) (Port, error)

// OpenSerial opens a serial device 8N1 with the fixed read timeout.
// Writes are not bounded by a timeout.
func OpenSerial(cfg PortConfig) (Port, error) {
	baud := cfg.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("link: failed to open %s: %w", cfg.Path, err)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: failed to set timeout on %s: %w", cfg.Path, err)
	}
	log.Printf("[link] opened %s (%s) at %d baud", cfg.Path, cfg.Name, baud)
	return port, nil
}

// PortInfo describes a serial device present on the host.
type PortInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

func (p PortInfo) String() string {
	hwid := "n/a"
	if p.USB {
		hwid = fmt.Sprintf("USB VID:PID=%s:%s SER=%s", p.VID, p.PID, p.SerialNumber)
	}
	desc := p.Description
	if desc == "" {
		desc = "n/a"
	}
	return fmt.Sprintf("%s: %s [%s]", p.Name, desc, hwid)
}

// ListPorts returns the serial devices on this host sorted by name.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("link: enumerate ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			Description:  d.Product,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}
