// Package blecentral adapts github.com/currantlabs/ble's central-role
// ble.Client into the transport.Peripheral surface the version resolver
// and message stream run against.
package blecentral

import (
	"sync"
	"sync/atomic"

	"github.com/currantlabs/ble"

	"github.com/basaltlabs/carlink/transport"
)

// Adapter is a transport.Peripheral backed by one connected ble.Client and
// a pair of already-discovered read/write characteristics.
type Adapter struct {
	client ble.Client
	write  *ble.Characteristic
	read   *ble.Characteristic

	mtu int32 // negotiated ATT MTU, set by ExchangeMTU or defaulted to 23

	mu       sync.Mutex
	delegate transport.Delegate
	state    transport.ConnectionState
}

// NewAdapter wraps a connected ble.Client. write and read must already be
// resolved via service/characteristic discovery; notifications on read
// are not yet enabled (call SetNotify).
func NewAdapter(client ble.Client, write, read *ble.Characteristic) *Adapter {
	a := &Adapter{client: client, write: write, read: read, mtu: 23, state: transport.StateConnected}
	go a.watchDisconnect()
	return a
}

func (a *Adapter) watchDisconnect() {
	<-a.client.Disconnected()
	a.mu.Lock()
	a.state = transport.StateDisconnected
	d := a.delegate
	a.mu.Unlock()
	if d != nil {
		d.DidDisconnect(nil)
	}
}

// ExchangeMTU negotiates the ATT MTU and records the result for
// MaxWriteLength to report.
func (a *Adapter) ExchangeMTU(preferred int) (int, error) {
	negotiated, err := a.client.ExchangeMTU(preferred)
	if err != nil {
		return 0, err
	}
	atomic.StoreInt32(&a.mtu, int32(negotiated))
	return negotiated, nil
}

// Identifier returns the remote peer's address string.
func (a *Adapter) Identifier() string {
	return a.client.Addr().String()
}

// State reports the current connection state.
func (a *Adapter) State() transport.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// MaxWriteLength is min(ATT MTU - 3, transport.MaxFrameSize).
func (a *Adapter) MaxWriteLength() int {
	n := int(atomic.LoadInt32(&a.mtu)) - 3
	if n > transport.MaxFrameSize {
		n = transport.MaxFrameSize
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Write issues one GATT write-without-response and reports completion via
// the installed delegate's ReadyToWrite.
func (a *Adapter) Write(data []byte) error {
	if a.State() != transport.StateConnected {
		return transport.ErrNotConnected
	}
	if err := a.client.WriteCharacteristic(a.write, data, true); err != nil {
		return err
	}
	a.mu.Lock()
	d := a.delegate
	a.mu.Unlock()
	if d != nil {
		d.ReadyToWrite()
	}
	return nil
}

// SetNotify subscribes or unsubscribes from the read characteristic,
// routing inbound notifications to the installed delegate.
func (a *Adapter) SetNotify(enabled bool) error {
	if !enabled {
		return a.client.ClearSubscriptions()
	}
	return a.client.Subscribe(a.read, false, a.onNotification)
}

func (a *Adapter) onNotification(data []byte) {
	a.mu.Lock()
	d := a.delegate
	a.mu.Unlock()
	if d != nil {
		d.DidUpdateValueFor(data)
	}
}

// SetDelegate installs the single owner of this adapter's events.
func (a *Adapter) SetDelegate(d transport.Delegate) {
	a.mu.Lock()
	a.delegate = d
	a.mu.Unlock()
}

// Close tears down the connection, releasing the underlying ble.Client.
func (a *Adapter) Close() error {
	return a.client.CancelConnection()
}

var _ transport.Peripheral = (*Adapter)(nil)
