//go:build linux

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/MichealReed/miniAV-sub000/internal/logging"
)

const (
	portalDest      = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	sessionIface    = "org.freedesktop.portal.Session"
	requestIface    = "org.freedesktop.portal.Request"

	portalDialogTimeout = 120 * time.Second

	sourceTypeMonitor = uint32(1)
	sourceTypeWindow  = uint32(2)
)

// PortalState is the Linux portal session machine's explicit state
// enumeration. Modeled as a variant + transitions, not chained callback
// lambdas, per the design note on asynchronous portal dialogs.
type PortalState int

const (
	PortalNone PortalState = iota
	PortalCreatingSession
	PortalSelectingSources
	PortalStartingStream
)

func (s PortalState) String() string {
	switch s {
	case PortalCreatingSession:
		return "CreatingSession"
	case PortalSelectingSources:
		return "SelectingSources"
	case PortalStartingStream:
		return "StartingStream"
	default:
		return "None"
	}
}

// portalEventKind names the events the pure transition table reacts to.
type portalEventKind int

const (
	evStart portalEventKind = iota
	evCreateSessionOK
	evSelectSourcesOK
	evStartStreamOK
	evResponseDenied // non-zero Response code
	evCallFailed     // D-Bus method call itself failed
	evNoVideoNode    // Start succeeded but streams yielded no video node
	evSessionClosed
)

// portalNext is the pure transition function backing the diagram in the
// portal session machine design: given a state and an event, returns the
// next state and, when the transition is a failure exit, the error code
// to record. It has no I/O and is what the host-independent tests exercise
// directly.
func portalNext(state PortalState, ev portalEventKind) (PortalState, *CaptureError) {
	switch ev {
	case evSessionClosed:
		return PortalNone, newError(ErrPortalClosed, "portal session closed", nil)
	case evCallFailed:
		return PortalNone, newError(ErrPortalFailed, "portal D-Bus call failed", nil)
	}

	switch state {
	case PortalNone:
		if ev == evStart {
			return PortalCreatingSession, nil
		}
	case PortalCreatingSession:
		switch ev {
		case evCreateSessionOK:
			return PortalSelectingSources, nil
		case evResponseDenied:
			return PortalNone, newError(ErrPortalFailed, "CreateSession denied", nil)
		}
	case PortalSelectingSources:
		switch ev {
		case evSelectSourcesOK:
			return PortalStartingStream, nil
		case evResponseDenied:
			return PortalNone, newError(ErrUserCancelled, "SelectSources cancelled by user", nil)
		}
	case PortalStartingStream:
		switch ev {
		case evStartStreamOK:
			// Terminal success: hand off to the PipeWire stream pipeline.
			// The machine itself has nowhere further to go but None once
			// the session eventually closes, so we stay here until a
			// Closed signal arrives.
			return PortalStartingStream, nil
		case evResponseDenied, evNoVideoNode:
			return PortalNone, newError(ErrPortalFailed, "Start failed or no video node", nil)
		}
	}
	return state, nil
}

// portalRequestToken builds the handle_token for one portal Request: our
// chosen prefix, plus process id, plus a random 32-bit number. Callers
// combine it with senderToToken's output to form the Request object path.
func portalRequestToken(prefix string) string {
	return fmt.Sprintf("%s_%d_%08x", prefix, os.Getpid(), rand.Uint32())
}

func senderToToken(sender string) string {
	return strings.ReplaceAll(strings.TrimPrefix(sender, ":"), ".", "_")
}

// portalSession drives the real D-Bus dialog, using portalNext for its state
// transitions so the transition logic itself stays testable in isolation.
type portalSession struct {
	mu sync.Mutex

	conn  *dbus.Conn
	state PortalState

	sessionPath dbus.ObjectPath
	closedSub   chan *dbus.Signal

	videoNode uint32
	audioNode uint32
	havAudio  bool

	log *slog.Logger
}

func newPortalSession() (*portalSession, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, newError(ErrSystemCallFailed, "connecting to D-Bus session bus", err)
	}
	if !conn.SupportsUnixFDs() {
		conn.Close()
		return nil, newError(ErrNotSupported, "D-Bus connection lacks Unix FD passing", nil)
	}
	return &portalSession{conn: conn, state: PortalNone, log: logging.L("portal")}, nil
}

// run drives CreateSession -> SelectSources -> Start for target, returning
// the negotiated video (and, if requested and offered, audio) PipeWire node
// ids. If a session handle is already held (re-invocation), CreatingSession
// is skipped per the documented session-reuse rule.
func (p *portalSession) run(ctx context.Context, target Target, wantAudio bool) (videoNode, audioNode uint32, haveAudio bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	portal := p.conn.Object(portalDest, dbus.ObjectPath(portalPath))
	sender := senderToToken(p.conn.Names()[0])

	if p.sessionPath == "" {
		p.state, _ = portalNext(p.state, evStart)
		sessionPath, e := p.createSession(portal, sender)
		if e != nil {
			p.state, _ = portalNext(p.state, evCallFailed)
			return 0, 0, false, e
		}
		p.sessionPath = sessionPath
		p.state, _ = portalNext(p.state, evCreateSessionOK)
		p.subscribeClosed()
	} else {
		p.state = PortalSelectingSources
	}

	sourceTypes := sourceTypesFor(target)
	if e := p.selectSources(portal, sender, sourceTypes); e != nil {
		p.state, _ = portalNext(p.state, evResponseDenied)
		return 0, 0, false, e
	}
	p.state, _ = portalNext(p.state, evSelectSourcesOK)

	streams, e := p.start(portal, sender)
	if e != nil {
		p.state, _ = portalNext(p.state, evResponseDenied)
		return 0, 0, false, e
	}
	if len(streams) == 0 {
		p.state, _ = portalNext(p.state, evNoVideoNode)
		return 0, 0, false, newError(ErrPortalFailed, "Start response had no streams", nil)
	}
	p.state, _ = portalNext(p.state, evStartStreamOK)

	video := streams[0]
	haveAudioOut := false
	var audioOut uint32
	if wantAudio && len(streams) > 1 {
		audioOut = streams[1]
		haveAudioOut = true
	} else if wantAudio {
		p.log.Warn("portal offered no second stream for audio; skipping audio")
	}

	p.videoNode, p.audioNode, p.havAudio = video, audioOut, haveAudioOut
	return video, audioOut, haveAudioOut, nil
}

func sourceTypesFor(t Target) uint32 {
	switch t.Kind {
	case TargetWindow:
		return sourceTypeWindow
	case TargetRegion:
		return sourceTypeMonitor | sourceTypeWindow
	default:
		return sourceTypeMonitor
	}
}

func (p *portalSession) createSession(portal dbus.BusObject, sender string) (dbus.ObjectPath, error) {
	reqToken := portalRequestToken("miniav_create")
	reqPath := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/desktop/request/%s/%s", sender, reqToken))

	sig := p.subscribeResponse(reqPath)
	defer p.conn.RemoveSignal(sig)

	call := portal.Call(screenCastIface+".CreateSession", 0, map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(reqToken),
		"session_handle_token": dbus.MakeVariant("miniav_session"),
	})
	if call.Err != nil {
		return "", newError(ErrPortalFailed, "CreateSession call", call.Err)
	}

	resp, err := p.awaitResponse(sig)
	if err != nil {
		return "", err
	}
	handle, ok := resp["session_handle"]
	if !ok {
		return "", newError(ErrPortalFailed, "CreateSession response missing session_handle", nil)
	}
	switch v := handle.Value().(type) {
	case dbus.ObjectPath:
		return v, nil
	case string:
		return dbus.ObjectPath(v), nil
	default:
		return "", newError(ErrPortalFailed, "unexpected session_handle type", nil)
	}
}

func (p *portalSession) selectSources(portal dbus.BusObject, sender string, sourceTypes uint32) error {
	reqToken := portalRequestToken("miniav_select")
	reqPath := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/desktop/request/%s/%s", sender, reqToken))

	sig := p.subscribeResponse(reqPath)
	defer p.conn.RemoveSignal(sig)

	call := portal.Call(screenCastIface+".SelectSources", 0, p.sessionPath, map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(reqToken),
		"types":        dbus.MakeVariant(sourceTypes),
		"multiple":     dbus.MakeVariant(false),
	})
	if call.Err != nil {
		return newError(ErrPortalFailed, "SelectSources call", call.Err)
	}
	_, err := p.awaitResponse(sig)
	return err
}

func (p *portalSession) start(portal dbus.BusObject, sender string) ([]uint32, error) {
	reqToken := portalRequestToken("miniav_start")
	reqPath := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/desktop/request/%s/%s", sender, reqToken))

	sig := p.subscribeResponse(reqPath)
	defer p.conn.RemoveSignal(sig)

	call := portal.Call(screenCastIface+".Start", 0, p.sessionPath, "", map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(reqToken),
	})
	if call.Err != nil {
		return nil, newError(ErrPortalFailed, "Start call", call.Err)
	}
	resp, err := p.awaitResponse(sig)
	if err != nil {
		return nil, err
	}
	return extractStreamNodes(resp)
}

// openPipeWireRemote asks the portal for a Unix fd granting access to the
// negotiated PipeWire stream.
func (p *portalSession) openPipeWireRemote() (*os.File, error) {
	portal := p.conn.Object(portalDest, dbus.ObjectPath(portalPath))
	var fd dbus.UnixFD
	err := portal.Call(screenCastIface+".OpenPipeWireRemote", 0, p.sessionPath, map[string]dbus.Variant{}).Store(&fd)
	if err != nil {
		return nil, newError(ErrPortalFailed, "OpenPipeWireRemote", err)
	}
	f := os.NewFile(uintptr(fd), "pipewire-remote")
	if f == nil {
		return nil, newError(ErrSystemCallFailed, "invalid PipeWire remote fd", nil)
	}
	return f, nil
}

// close issues Session.Close, drops the Closed-signal subscription and
// closes the bus connection. Each Response subscription is removed by the
// call that made it, when that call returns.
func (p *portalSession) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionPath == "" {
		return
	}
	session := p.conn.Object(portalDest, p.sessionPath)
	session.Call(sessionIface+".Close", 0)
	if p.closedSub != nil {
		p.conn.RemoveSignal(p.closedSub)
		p.closedSub = nil
	}
	p.sessionPath = ""
	p.state = PortalNone
	p.conn.Close()
}

func (p *portalSession) subscribeResponse(path dbus.ObjectPath) chan *dbus.Signal {
	ch := make(chan *dbus.Signal, 1)
	p.conn.Signal(ch)
	p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0,
		fmt.Sprintf("type='signal',interface='%s',member='Response',path='%s'", requestIface, path))
	return ch
}

func (p *portalSession) subscribeClosed() {
	ch := make(chan *dbus.Signal, 1)
	p.conn.Signal(ch)
	p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0,
		fmt.Sprintf("type='signal',interface='%s',member='Closed',path='%s'", sessionIface, p.sessionPath))
	p.closedSub = ch
}

func (p *portalSession) awaitResponse(ch chan *dbus.Signal) (map[string]dbus.Variant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), portalDialogTimeout)
	defer cancel()
	for {
		select {
		case sig, ok := <-ch:
			if !ok || sig == nil {
				return nil, newError(ErrPortalFailed, "signal channel closed", nil)
			}
			if len(sig.Body) < 2 {
				continue
			}
			code, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}
			if code == 1 {
				return nil, newError(ErrUserCancelled, "portal request cancelled by user", nil)
			}
			if code != 0 {
				return nil, newError(ErrPortalFailed, fmt.Sprintf("portal request denied (code %d)", code), nil)
			}
			results, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				return nil, newError(ErrPortalFailed, "unexpected Response body type", nil)
			}
			return results, nil
		case <-ctx.Done():
			return nil, newError(ErrPortalFailed, "timed out waiting for portal response", ctx.Err())
		}
	}
}

// extractStreamNodes pulls PipeWire node ids from the Start response's
// streams field, typed a(ua{sv}).
func extractStreamNodes(resp map[string]dbus.Variant) ([]uint32, error) {
	v, ok := resp["streams"]
	if !ok {
		return nil, newError(ErrPortalFailed, "Start response missing streams", nil)
	}
	raw, ok := v.Value().([][]interface{})
	if !ok {
		rawSlice, ok2 := v.Value().([]interface{})
		if !ok2 {
			return nil, newError(ErrPortalFailed, fmt.Sprintf("unexpected streams type %T", v.Value()), nil)
		}
		nodes := make([]uint32, 0, len(rawSlice))
		for _, entry := range rawSlice {
			inner, ok3 := entry.([]interface{})
			if !ok3 || len(inner) == 0 {
				continue
			}
			id, ok3 := inner[0].(uint32)
			if !ok3 {
				continue
			}
			nodes = append(nodes, id)
		}
		return nodes, nil
	}
	nodes := make([]uint32, 0, len(raw))
	for _, entry := range raw {
		if len(entry) == 0 {
			continue
		}
		id, ok := entry[0].(uint32)
		if !ok {
			continue
		}
		nodes = append(nodes, id)
	}
	return nodes, nil
}
