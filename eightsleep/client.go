// Package eightsleep is a client for the Eight Sleep smart mattress API.
// It logs in with account credentials, polls device telemetry and per-user
// sleep session data, and derives bed presence from heating-level history.
package eightsleep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://client-api.8slp.net/v1"
	defaultAPIKey  = "api-key"
	applicationID  = "morphy-app-id"
	appVersion     = "1.10.0"
	userAgent      = "Eight%20AppStore/11 CFNetwork/808.2.16 Darwin/16.3.0"

	requestTimeout      = 10 * time.Second
	sessionExpiryMargin = 30 * time.Second
)

// Client talks to the Eight Sleep cloud API. Update methods must be called
// serially; snapshot reads are safe from other goroutines.
type Client struct {
	email    string
	password string
	timezone string
	partner  bool
	apiKey   string
	baseURL  string

	httpClient *http.Client
	ownsHTTP   bool

	mu        sync.Mutex
	session   Session
	started   bool
	primaryID string
	deviceIDs []string
	devices   map[string]*deviceState
	users     map[string]*User
}

type Option func(*Client)

// WithTimezone sets the IANA timezone name sent to the trends endpoint.
// Defaults to UTC.
func WithTimezone(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.timezone = name
		}
	}
}

// WithPartner also tracks the user paired to the right side of the bed.
func WithPartner() Option {
	return func(c *Client) { c.partner = true }
}

func WithAPIKey(key string) Option {
	return func(c *Client) {
		if key != "" {
			c.apiKey = key
		}
	}
}

// WithHTTPClient supplies a caller-owned transport. The client never closes
// it; connection pooling and TLS settings stay with the caller.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSession seeds a previously persisted session so Start can skip the
// login call while the token is still valid.
func WithSession(session Session) Option {
	return func(c *Client) { c.session = session }
}

func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if raw != "" {
			c.baseURL = strings.TrimRight(raw, "/")
		}
	}
}

func New(email, password string, opts ...Option) *Client {
	c := &Client{
		email:    email,
		password: password,
		timezone: "UTC",
		apiKey:   defaultAPIKey,
		baseURL:  defaultBaseURL,
		devices:  make(map[string]*deviceState),
		users:    make(map[string]*User),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: requestTimeout}
		c.ownsHTTP = true
	}
	return c
}

// Start establishes the session and discovers the account's devices and
// users. It must succeed before any update method is usable.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if !session.Valid(time.Now()) {
		if err := c.login(ctx); err != nil {
			return err
		}
	}
	if err := c.fetchDeviceList(ctx); err != nil {
		return err
	}
	if err := c.assignUsers(ctx); err != nil {
		return err
	}
	for _, user := range c.Users() {
		if err := user.updateProfile(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// Stop invalidates the session. A caller-supplied http.Client is left
// untouched.
func (c *Client) Stop() {
	c.mu.Lock()
	c.session = Session{}
	c.started = false
	c.mu.Unlock()

	if c.ownsHTTP {
		c.httpClient.CloseIdleConnections()
	}
}

// CurrentSession returns a copy of the active session, for persistence.
func (c *Client) CurrentSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Token returns the current session token, or "" before login.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Token
}

// UserID returns the account owner's user id from the session.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.UserID
}

// Users returns the tracked users, left side first.
func (c *Client) Users() []*User {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]*User, 0, len(c.users))
	for _, user := range c.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Side != users[j].Side {
			return users[i].Side == SideLeft
		}
		return users[i].ID < users[j].ID
	})
	return users
}

// User returns the tracked user with the given id, or nil.
func (c *Client) User(id string) *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.users[id]
}

// UserBySide returns the user assigned to a side of the bed, or nil.
func (c *Client) UserBySide(side Side) *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, user := range c.users {
		if user.Side == side {
			return user
		}
	}
	return nil
}

// RoomTemperature averages the current room temperature across users that
// report one. Nil until user data has been fetched.
func (c *Client) RoomTemperature() *float64 {
	var sum float64
	var count int
	for _, user := range c.Users() {
		if temp := user.CurrentRoomTemp(); temp != nil {
			sum += *temp
			count++
		}
	}
	if count == 0 {
		return nil
	}
	avg := sum / float64(count)
	return &avg
}

func (c *Client) requireStarted(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return AuthError{Op: op, Err: ErrNoSession}
	}
	return nil
}

// login exchanges the account credentials for a fresh session, replacing any
// previous one. A 4xx answer is a credential rejection and terminal.
func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("email", c.email)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return FetchError{Op: "login", Err: err}
	}
	c.setVendorHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FetchError{Op: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		statusErr := HTTPStatusError{Status: resp.StatusCode, Body: string(data)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return AuthError{Op: "login", Err: statusErr}
		}
		return FetchError{Op: "login", Err: statusErr}
	}

	var payload struct {
		Session struct {
			UserID         string `json:"userId"`
			Token          string `json:"token"`
			ExpirationDate string `json:"expirationDate"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return FetchError{Op: "login", Err: err}
	}
	if payload.Session.Token == "" {
		return FetchError{Op: "login", Err: errors.New("login response missing session token")}
	}

	session := Session{
		Token:  payload.Session.Token,
		UserID: payload.Session.UserID,
	}
	if expiry := parseTimestamp(payload.Session.ExpirationDate); expiry != nil {
		session.Expiry = *expiry
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return nil
}

// ensureValid returns a usable session, re-logging-in transparently when the
// current one is expired or about to expire.
func (c *Client) ensureValid(ctx context.Context) (Session, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session.Valid(time.Now()) {
		return session, nil
	}
	if err := c.login(ctx); err != nil {
		return Session{}, err
	}

	c.mu.Lock()
	session = c.session
	c.mu.Unlock()
	return session, nil
}

func (c *Client) fetchDeviceList(ctx context.Context) error {
	var resp struct {
		User struct {
			UserID  string   `json:"userId"`
			Devices []string `json:"devices"`
		} `json:"user"`
	}
	if err := c.getJSON(ctx, "/users/me", &resp); err != nil {
		return fetchErr("device list", err)
	}
	if len(resp.User.Devices) == 0 {
		return fetchErr("device list", errors.New("no devices paired to account"))
	}
	if len(resp.User.Devices) > 1 {
		log.Printf("eightsleep: account has %d devices, using %s as primary", len(resp.User.Devices), resp.User.Devices[0])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceIDs = resp.User.Devices
	c.primaryID = resp.User.Devices[0]
	for _, id := range resp.User.Devices {
		if c.devices[id] == nil {
			c.devices[id] = &deviceState{}
		}
	}
	return nil
}

// assignUsers maps the primary device's sides to users. The left user is
// always tracked; the right one only when the partner option is set.
func (c *Client) assignUsers(ctx context.Context) error {
	c.mu.Lock()
	deviceID := c.primaryID
	c.mu.Unlock()

	var resp struct {
		Result struct {
			OwnerID     string `json:"ownerId"`
			LeftUserID  string `json:"leftUserId"`
			RightUserID string `json:"rightUserId"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/devices/%s?filter=ownerId,leftUserId,rightUserId", deviceID)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return fetchErr("assign users", err)
	}

	users := make(map[string]*User)
	if id := resp.Result.LeftUserID; id != "" {
		users[id] = newUser(c, id, SideLeft)
	}
	if c.partner {
		if id := resp.Result.RightUserID; id != "" {
			if _, dup := users[id]; !dup {
				users[id] = newUser(c, id, SideRight)
			}
		}
	}
	if len(users) == 0 {
		return fetchErr("assign users", errors.New("device has no assigned users"))
	}

	c.mu.Lock()
	c.users = users
	c.mu.Unlock()
	return nil
}

func (c *Client) setVendorHeaders(req *http.Request) {
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Application-Id", applicationID)
	req.Header.Set("App-Version", appVersion)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-gb")
}

func (c *Client) send(ctx context.Context, method, path, token string, body []byte, contentType string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	c.setVendorHeaders(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Session-Token", token)
	}
	return c.httpClient.Do(req)
}

// doRequest performs one authenticated request. A 401 means the token died
// before its advertised expiry: drop it, re-login once and retry the request
// exactly once. A second 401 surfaces as an error.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	session, err := c.ensureValid(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, path, session.Token, body, contentType)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	resp.Body.Close()
	c.mu.Lock()
	c.session = Session{}
	c.mu.Unlock()
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	token := c.session.Token
	c.mu.Unlock()

	resp, err = c.send(ctx, method, path, token, body, contentType)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, HTTPStatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return HTTPStatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) putJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPut, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return HTTPStatusError{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
