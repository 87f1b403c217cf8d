// Package transport defines the external collaborator GCS relies on for
// elementary message delivery and view-change notification (spec §1, §6):
// "FIFO per sender, uniform total order within a primary configuration,
// and delivery of view-change notifications inline with message delivery."
//
// GCS itself never implements an atomic-broadcast algorithm; it only
// consumes one through this interface. Dial selects a concrete backend by
// URL scheme, mirroring spec §6's create(backend_url) contract.
package transport

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/seqno"
)

// View is a membership/view-change notification, delivered inline with
// ordered message delivery (spec §1).
type View struct {
	Primary  bool
	ConfigID int64
	Members  []string
	MyIndex  int
}

// Delivery is a single event read from a Transport: either a totally
// ordered Frame with its assigned global seqno, or a View change.
type Delivery struct {
	Frame  action.Frame
	Seqno  seqno.Seqno
	IsView bool
	View   View
}

// Transport is the external collaborator accessed through a well-defined
// interface (spec §1). Implementations must provide FIFO-per-sender
// delivery and, within a primary configuration, a uniform total order
// agreed by every member.
type Transport interface {
	// Send transmits |f| for total-order delivery to the whole group.
	Send(ctx context.Context, f action.Frame) error
	// Deliveries returns the channel of ordered Frames and View changes.
	// It is closed when the Transport is closed or fails fatally.
	Deliveries() <-chan Delivery
	// LocalSender returns the SenderID this process uses to originate
	// fragments.
	LocalSender() action.SenderID
	// Close releases the Transport's resources.
	Close() error
}

// Dialer constructs a Transport from a backend URL's scheme-specific
// remainder (spec §6: scheme in {dummy, spread, gcomm}).
type Dialer func(ctx context.Context, u *url.URL, channel string) (Transport, error)

var dialers = map[string]Dialer{}

// Register associates |scheme| with |d|. Backend packages call Register
// from an init() to participate in Dial.
func Register(scheme string, d Dialer) { dialers[scheme] = d }

// Dial parses |backendURL|, looks up its scheme's registered Dialer, and
// opens a Transport bound to |channel| (spec §6: create(backend_url),
// open(conn, channel)).
func Dial(ctx context.Context, backendURL, channel string) (Transport, error) {
	var u, err = url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parsing backend url: %w", err)
	}
	var d, ok = dialers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("transport: unknown backend scheme %q", u.Scheme)
	}
	return d(ctx, u, channel)
}
