package rpc

import "time"

// LoginRequest starts Authenticate.
type LoginRequest struct {
	ClientID string `json:"client_id"`
	TenantID string `json:"tenant_id"`
}

// AuthEvent is streamed by Authenticate: a Challenge when the device-code flow
// starts, then a Session once a credential is issued.
type AuthEvent struct {
	Challenge *Challenge   `json:"challenge,omitempty"`
	Session   *SessionInfo `json:"session,omitempty"`
}

// Challenge is what the operator needs to complete the device-code flow.
type Challenge struct {
	UserCode        string    `json:"user_code"`
	VerificationURI string    `json:"verification_uri"`
	Message         string    `json:"message,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// SessionInfo describes the daemon's session.
type SessionInfo struct {
	State         string     `json:"state"`
	ClientID      string     `json:"client_id,omitempty"`
	TenantID      string     `json:"tenant_id,omitempty"`
	Username      string     `json:"username,omitempty"`
	HomeAccountID string     `json:"home_account_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Devices       int        `json:"devices"`
	FetchedAt     *time.Time `json:"fetched_at,omitempty"`
}

// FetchRequest selects the devices to fetch. Empty Field means all devices.
type FetchRequest struct {
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}

// Device is one managed device.
type Device struct {
	ID                string     `json:"id"`
	DeviceName        string     `json:"device_name,omitempty"`
	Model             string     `json:"model,omitempty"`
	ComplianceState   string     `json:"compliance_state,omitempty"`
	LastSyncDateTime  *time.Time `json:"last_sync,omitempty"`
	Manufacturer      string     `json:"manufacturer,omitempty"`
	OperatingSystem   string     `json:"operating_system,omitempty"`
	OSVersion         string     `json:"os_version,omitempty"`
	SerialNumber      string     `json:"serial_number,omitempty"`
	Ownership         string     `json:"ownership,omitempty"`
	UserPrincipalName string     `json:"user_principal_name,omitempty"`
}

// GetDeviceRequest names one device of the fetched catalog.
type GetDeviceRequest struct {
	ID string `json:"id"`
}

// DeviceList answers FetchDevices and ListDevices.
type DeviceList struct {
	Devices   []Device   `json:"devices"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
}

// ApplyMessage is sent by the client on the ApplyAction stream: Start first,
// then one Answer per Prompt.
type ApplyMessage struct {
	Start  *ApplyStart    `json:"start,omitempty"`
	Answer *ConfirmAnswer `json:"answer,omitempty"`
}

// ApplyStart names the action and the devices in order.
type ApplyStart struct {
	Action    string   `json:"action"`
	DeviceIDs []string `json:"device_ids"`
	AssumeYes bool     `json:"assume_yes,omitempty"`
}

// ConfirmAnswer answers the Prompt for DeviceID.
type ConfirmAnswer struct {
	DeviceID string `json:"device_id"`
	Accept   bool   `json:"accept"`
}

// ApplyEvent is sent by the server on the ApplyAction stream.
type ApplyEvent struct {
	Prompt *ConfirmPrompt `json:"prompt,omitempty"`
	Result *BatchResult   `json:"result,omitempty"`
}

// ConfirmPrompt asks whether to act on one device.
type ConfirmPrompt struct {
	DeviceID string `json:"device_id"`
	Action   string `json:"action"`
	Text     string `json:"text"`
}

// BatchResult closes the ApplyAction stream. Error is set when the batch was
// interrupted; Outcomes then holds what completed.
type BatchResult struct {
	BatchID    string    `json:"batch_id"`
	Action     string    `json:"action"`
	Operator   string    `json:"operator"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcomes   []Outcome `json:"outcomes"`
	Error      string    `json:"error,omitempty"`
}

// Outcome is one device's result.
type Outcome struct {
	DeviceID   string `json:"device_id"`
	Action     string `json:"action"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// HistoryRequest limits History. Zero means the server default.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryResponse lists journaled outcomes, newest batch first.
type HistoryResponse struct {
	Records []HistoryRecord `json:"records"`
}

// HistoryRecord is one journaled outcome.
type HistoryRecord struct {
	BatchID    string    `json:"batch_id"`
	Seq        int       `json:"seq"`
	Operator   string    `json:"operator"`
	RecordedAt time.Time `json:"recorded_at"`
	Outcome
}

// Empty is the request of parameterless RPCs.
type Empty struct{}
