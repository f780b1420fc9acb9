package core

import "sync"

// EventContext carries a small payload alongside an event code. Which
// fields are meaningful depends on the code.
type EventContext struct {
	Data struct {
		U64 [2]uint64
		U32 [4]uint32
		U16 [8]uint16
	}
}

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// Resized/resolution changed from the OS.
	/* Context usage:
	 * u16 width = data.data.u16[0];
	 * u16 height = data.data.u16[1];
	 */
	EVENT_CODE_RESIZED SystemEventCode = 0x02

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

// Should return true if handled.
type FnOnEvent func(code SystemEventCode, sender interface{}, listenerInst interface{}, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

type eventSystemState struct {
	mu         sync.RWMutex
	registered map[SystemEventCode][]*registeredEvent
}

var onceEvent sync.Once
var eventState *eventSystemState

func EventInitialize() bool {
	onceEvent.Do(func() {
		eventState = &eventSystemState{
			registered: make(map[SystemEventCode][]*registeredEvent),
		}
	})
	return true
}

func EventShutdown() error {
	eventState.mu.Lock()
	defer eventState.mu.Unlock()
	eventState.registered = make(map[SystemEventCode][]*registeredEvent)
	return nil
}

// EventRegister subscribes callback for the given code. The same
// listener/callback pair is only registered once.
func EventRegister(code SystemEventCode, listener interface{}, callback FnOnEvent) bool {
	eventState.mu.Lock()
	defer eventState.mu.Unlock()
	for _, re := range eventState.registered[code] {
		if re.listener == listener {
			return false
		}
	}
	eventState.registered[code] = append(eventState.registered[code], &registeredEvent{
		listener: listener,
		callback: callback,
	})
	return true
}

func EventUnregister(code SystemEventCode, listener interface{}) bool {
	eventState.mu.Lock()
	defer eventState.mu.Unlock()
	regs := eventState.registered[code]
	for i, re := range regs {
		if re.listener == listener {
			eventState.registered[code] = append(regs[:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

// EventFire notifies listeners in registration order until one reports the
// event handled.
func EventFire(code SystemEventCode, sender interface{}, data EventContext) bool {
	eventState.mu.RLock()
	regs := make([]*registeredEvent, len(eventState.registered[code]))
	copy(regs, eventState.registered[code])
	eventState.mu.RUnlock()

	for _, re := range regs {
		if re.callback(code, sender, re.listener, data) {
			return true
		}
	}
	return false
}
