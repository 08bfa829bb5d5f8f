package vm

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/projecteru2/vbricks/utils"
)

// DefaultModel is the NIC model of new links.
const DefaultModel = "rtl8139"

// Link modes.
const (
	ModeVDE      = "vde"
	ModeSock     = "sock"
	ModeHostonly = "hostonly"
)

// Endpoint is the switch side of a connection: something a plug connects to.
type Endpoint interface {
	Nickname() string
	Path() string
	Mode() string
}

// Link is a VM network interface, either a Plug into an Endpoint or a Sock
// the VM serves itself.
type Link interface {
	Model() string
	SetModel(string)
	MAC() string
	SetMAC(string) error
	Mode() string
	// Endpoint is the connected endpoint, nil when unconnected.
	Endpoint() Endpoint
	Connect(Endpoint) error
	String() string
}

// SwitchEndpoint is a plain switch socket.
type SwitchEndpoint struct {
	Name     string `json:"name"`
	SockPath string `json:"path"`
}

func (s SwitchEndpoint) Nickname() string { return s.Name }
func (s SwitchEndpoint) Path() string     { return s.SockPath }
func (SwitchEndpoint) Mode() string       { return ModeVDE }

type hostonlyEndpoint struct{}

func (hostonlyEndpoint) Nickname() string { return "_hostonly" }
func (hostonlyEndpoint) Path() string     { return "?" }
func (hostonlyEndpoint) Mode() string     { return ModeHostonly }

// Hostonly is the shared endpoint of plugs using user-mode networking.
var Hostonly Endpoint = hostonlyEndpoint{}

type nic struct {
	model string
	mac   string
}

func newNIC(model, mac string) (nic, error) {
	if model == "" {
		model = DefaultModel
	}
	if mac == "" {
		generated, err := utils.GenerateMAC()
		if err != nil {
			return nic{}, fmt.Errorf("generate mac: %w", err)
		}
		mac = generated
	} else if !utils.ValidMAC(mac) {
		return nic{}, fmt.Errorf("%w: mac %q", ErrInvalidValue, mac)
	}
	return nic{model: model, mac: mac}, nil
}

func (n *nic) Model() string         { return n.model }
func (n *nic) SetModel(model string) { n.model = model }
func (n *nic) MAC() string           { return n.mac }

func (n *nic) SetMAC(mac string) error {
	if !utils.ValidMAC(mac) {
		return fmt.Errorf("%w: mac %q", ErrInvalidValue, mac)
	}
	n.mac = mac
	return nil
}

// Plug connects the VM to a switch endpoint.
type Plug struct {
	nic
	endpoint Endpoint
}

func (p *Plug) Mode() string       { return ModeVDE }
func (p *Plug) Endpoint() Endpoint { return p.endpoint }
func (p *Plug) Connect(e Endpoint) error {
	p.endpoint = e
	return nil
}

func (p *Plug) String() string {
	if p.endpoint == nil {
		return "plug(unconnected)"
	}
	return "plug(" + p.endpoint.Nickname() + ")"
}

// Sock is a socket the VM itself listens on. Its name is fixed when it
// is added and survives later link changes.
type Sock struct {
	nic
	index    int
	path     string
	nickname string
}

func (s *Sock) Mode() string       { return ModeSock }
func (s *Sock) Endpoint() Endpoint { return nil }

// Connect is a no-op: a sock is the endpoint.
func (s *Sock) Connect(Endpoint) error { return nil }

// Path is the socket path, with the trailing "[]" switch notation.
func (s *Sock) Path() string     { return s.path }
func (s *Sock) Nickname() string { return s.nickname }

// Index is the interface number the sock was named after.
func (s *Sock) Index() int     { return s.index }
func (s *Sock) String() string { return "sock(" + s.nickname + ")" }

func newSock(home, nickname string, index int, n nic) *Sock {
	return &Sock{
		nic:      n,
		index:    index,
		path:     filepath.Join(home, nickname) + "[]",
		nickname: nickname,
	}
}

func sockNickname(vmName string, index int) string {
	return fmt.Sprintf("%s_sock_eth%d", vmName, index)
}

func nickOf(l Link) string {
	if e := l.Endpoint(); e != nil {
		return e.Nickname()
	}
	return "None"
}

// netdev returns the -netdev value of link number i.
func netdev(i int, l Link) string {
	id := fmt.Sprintf("vx%d", i)
	e := l.Endpoint()
	switch {
	case e != nil && e.Mode() == ModeHostonly:
		return "user,id=" + id
	case l.Mode() == ModeVDE && e != nil:
		return fmt.Sprintf("vde,id=%s,sock=%s", id, strings.TrimRight(e.Path(), "[]"))
	case l.Mode() == ModeSock:
		s, _ := l.(interface{ Path() string })
		if s == nil {
			return "user"
		}
		return fmt.Sprintf("vde,id=%s,sock=%s", id, s.Path())
	}
	return "user"
}
