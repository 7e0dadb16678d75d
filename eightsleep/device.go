package eightsleep

import (
	"context"
	"fmt"
)

// deviceHistoryDepth is how many snapshots are retained per device. The
// presence heuristic reads the last 4 levels and the heating stats the last
// 10, so anything beyond 10 is never consulted.
const deviceHistoryDepth = 10

// deviceState is the rolling snapshot history for one device, most recent
// first. snaps[0] is the current snapshot.
type deviceState struct {
	snaps []*Device
}

func (s *deviceState) push(d *Device) {
	s.snaps = append([]*Device{d}, s.snaps...)
	if len(s.snaps) > deviceHistoryDepth {
		s.snaps = s.snaps[:deviceHistoryDepth]
	}
}

func (s *deviceState) current() *Device {
	if s == nil || len(s.snaps) == 0 {
		return nil
	}
	return s.snaps[0]
}

// pastHeatingLevel returns the heating level n polls ago for one side, or 0
// when that far back is unknown.
func (s *deviceState) pastHeatingLevel(side Side, n int) int {
	if s == nil || n < 0 || n >= deviceHistoryDepth || n >= len(s.snaps) {
		return 0
	}
	return intValue(s.snaps[n].heatingLevel(side))
}

// UpdateDeviceData polls telemetry for every paired device, replacing each
// snapshot wholesale. After a successful poll of the primary device the
// presence heuristic runs for all tracked users. On failure the previous
// snapshots are left untouched.
func (c *Client) UpdateDeviceData(ctx context.Context) error {
	if err := c.requireStarted("update device data"); err != nil {
		return err
	}

	c.mu.Lock()
	ids := append([]string(nil), c.deviceIDs...)
	c.mu.Unlock()

	for _, id := range ids {
		var resp struct {
			Result *Device `json:"result"`
		}
		path := fmt.Sprintf("/devices/%s?offlineView=true", id)
		if err := c.getJSON(ctx, path, &resp); err != nil {
			return fetchErr("device data", err)
		}
		if resp.Result == nil {
			return fetchErr("device data", fmt.Errorf("device %s response missing result", id))
		}
		if resp.Result.DeviceID == "" {
			resp.Result.DeviceID = id
		}
		c.handleDeviceSnapshot(id, resp.Result)
	}
	return nil
}

// handleDeviceSnapshot stores a fresh snapshot and, for the primary device,
// re-evaluates presence for every user.
func (c *Client) handleDeviceSnapshot(id string, d *Device) {
	c.mu.Lock()
	state := c.devices[id]
	if state == nil {
		state = &deviceState{}
		c.devices[id] = state
	}
	state.push(d)
	primary := id == c.primaryID
	c.mu.Unlock()

	if !primary {
		return
	}
	for _, user := range c.Users() {
		user.refreshPresence()
	}
}

// DeviceID returns the primary device id, or "" before Start.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primaryID
}

// DeviceIDs returns every device id paired to the account.
func (c *Client) DeviceIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deviceIDs...)
}

// DeviceData returns the current snapshot of the primary device, or nil
// before the first successful poll.
func (c *Client) DeviceData() *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[c.primaryID].current()
}

// Device returns the current snapshot for a specific device id, or nil.
func (c *Client) Device(id string) *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[id].current()
}

// DeviceDataHistory returns the primary device's snapshots, most recent
// first. The slice grows per poll up to a fixed depth.
func (c *Client) DeviceDataHistory() []*Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.devices[c.primaryID]
	if state == nil {
		return nil
	}
	return append([]*Device(nil), state.snaps...)
}

// IsPod reports whether the primary device supports cooling. False until the
// first device poll has run.
func (c *Client) IsPod() bool {
	return c.DeviceData().IsPod()
}
