package bleuhf

import (
	"context"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/dotside-studios/davi-scan-agent/scanner"
)

// Discovery implements scanner.PeerScanner with an adapter scan.
type Discovery struct {
	radio *Radio

	// NamePrefix, if set, hides advertisers whose name does not start with it.
	NamePrefix string
}

var _ scanner.PeerScanner = (*Discovery)(nil)

// NewDiscovery creates a discovery bound to radio.
func NewDiscovery(radio *Radio, namePrefix string) *Discovery {
	return &Discovery{radio: radio, NamePrefix: namePrefix}
}

// StartScanDevices starts scanning and returns once the scan slot is held.
// onResult receives the whole list every time a new peer shows up; onDone
// gets the scan error unless the window closed first.
func (d *Discovery) StartScanDevices(ctx context.Context, onResult func([]scanner.Peer), onDone func(error)) error {
	if err := d.radio.Enable(); err != nil {
		return err
	}
	if err := d.radio.acquireScan(ctx); err != nil {
		return err
	}

	var peers peerSet
	go func() {
		err := d.radio.scanHeld(ctx, func(result bluetooth.ScanResult) bool {
			name := result.LocalName()
			if d.NamePrefix != "" && !strings.HasPrefix(name, d.NamePrefix) {
				return true
			}
			if list, added := peers.add(scanner.Peer{Name: name, MAC: result.Address.String()}); added {
				onResult(list)
			}
			return true
		})
		if ctx.Err() != nil {
			err = nil
		}
		if onDone != nil {
			onDone(err)
		}
	}()
	return nil
}

type peerSet struct {
	mu    sync.Mutex
	index map[string]int
	list  []scanner.Peer
}

// add records p and reports whether the list changed. A later
// advertisement may fill in a name that was missing.
func (s *peerSet) add(p scanner.Peer) ([]scanner.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index == nil {
		s.index = make(map[string]int)
	}
	key := strings.ToUpper(p.MAC)
	if i, seen := s.index[key]; seen {
		if s.list[i].Name != "" || p.Name == "" {
			return nil, false
		}
		s.list[i].Name = p.Name
	} else {
		s.index[key] = len(s.list)
		s.list = append(s.list, p)
	}
	return append([]scanner.Peer(nil), s.list...), true
}
