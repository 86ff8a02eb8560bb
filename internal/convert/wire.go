// Package convert maps domain values to and from the rpc wire types.
package convert

import (
	"fmt"
	"time"

	"github.com/and161185/mdmkeeper/internal/model"
	"github.com/and161185/mdmkeeper/internal/rpc"
	"github.com/and161185/mdmkeeper/internal/service"
)

// --- helpers ---

func tsPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func fromTSPtr(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// --- Auth ---

// ToWireChallenge converts a device-code challenge for display.
func ToWireChallenge(ch model.DeviceCodeChallenge) rpc.Challenge {
	return rpc.Challenge{
		UserCode:        ch.UserCode,
		VerificationURI: ch.VerificationURI,
		Message:         ch.Message,
		ExpiresAt:       ch.ExpiresAt.UTC(),
	}
}

// ToWireSession converts the session status.
func ToWireSession(st service.SessionStatus) rpc.SessionInfo {
	return rpc.SessionInfo{
		State:         st.State.String(),
		ClientID:      st.ClientID,
		TenantID:      st.TenantID,
		Username:      st.Account.Username,
		HomeAccountID: st.Account.HomeAccountID,
		ExpiresAt:     tsPtr(st.ExpiresAt),
		Devices:       st.Devices,
		FetchedAt:     tsPtr(st.FetchedAt),
	}
}

// --- Devices ---

// FromWireFilter validates and converts a fetch request.
func FromWireFilter(req rpc.FetchRequest) (model.DeviceFilter, error) {
	f := model.DeviceFilter{Field: model.FilterField(req.Field), Value: req.Value}
	if err := f.Validate(); err != nil {
		return model.DeviceFilter{}, err
	}
	return f, nil
}

// ToWireDevice converts one device record.
func ToWireDevice(d model.DeviceRecord) rpc.Device {
	return rpc.Device{
		ID:                d.ID,
		DeviceName:        d.DeviceName,
		Model:             d.Model,
		ComplianceState:   d.ComplianceState,
		LastSyncDateTime:  tsPtr(d.LastSyncDateTime),
		Manufacturer:      d.Manufacturer,
		OperatingSystem:   d.OperatingSystem,
		OSVersion:         d.OSVersion,
		SerialNumber:      d.SerialNumber,
		Ownership:         d.Ownership,
		UserPrincipalName: d.UserPrincipalName,
	}
}

// FromWireDevice converts a wire device back to a record.
func FromWireDevice(d rpc.Device) model.DeviceRecord {
	return model.DeviceRecord{
		ID:                d.ID,
		DeviceName:        d.DeviceName,
		Model:             d.Model,
		ComplianceState:   d.ComplianceState,
		LastSyncDateTime:  fromTSPtr(d.LastSyncDateTime),
		Manufacturer:      d.Manufacturer,
		OperatingSystem:   d.OperatingSystem,
		OSVersion:         d.OSVersion,
		SerialNumber:      d.SerialNumber,
		Ownership:         d.Ownership,
		UserPrincipalName: d.UserPrincipalName,
	}
}

// ToWireDeviceList converts a catalog snapshot.
func ToWireDeviceList(ds []model.DeviceRecord, fetchedAt time.Time) rpc.DeviceList {
	out := rpc.DeviceList{Devices: make([]rpc.Device, 0, len(ds)), FetchedAt: tsPtr(fetchedAt)}
	for _, d := range ds {
		out.Devices = append(out.Devices, ToWireDevice(d))
	}
	return out
}

// FromWireDevices converts a wire list back to records, preserving order.
func FromWireDevices(ds []rpc.Device) []model.DeviceRecord {
	out := make([]model.DeviceRecord, 0, len(ds))
	for _, d := range ds {
		out = append(out, FromWireDevice(d))
	}
	return out
}

// --- Actions ---

// FromWireApplyStart parses the action kind and checks the device list.
func FromWireApplyStart(s rpc.ApplyStart) (model.ActionKind, []string, error) {
	kind, err := model.ParseActionKind(s.Action)
	if err != nil {
		return 0, nil, err
	}
	if len(s.DeviceIDs) == 0 {
		return 0, nil, fmt.Errorf("no device ids")
	}
	return kind, s.DeviceIDs, nil
}

// ToWireOutcome converts one outcome.
func ToWireOutcome(o model.ActionOutcome) rpc.Outcome {
	return rpc.Outcome{
		DeviceID:   o.DeviceID,
		Action:     o.Kind.String(),
		Success:    o.Success,
		StatusCode: o.StatusCode,
		Message:    o.Message,
	}
}

// ToWireBatch converts a finished batch. batchErr, if any, is carried as text.
func ToWireBatch(b model.ActionBatch, batchErr error) rpc.BatchResult {
	out := rpc.BatchResult{
		BatchID:    b.ID.String(),
		Action:     b.Kind.String(),
		Operator:   b.Operator,
		StartedAt:  b.StartedAt.UTC(),
		FinishedAt: b.FinishedAt.UTC(),
		Outcomes:   make([]rpc.Outcome, 0, len(b.Outcomes)),
	}
	for _, o := range b.Outcomes {
		out.Outcomes = append(out.Outcomes, ToWireOutcome(o))
	}
	if batchErr != nil {
		out.Error = batchErr.Error()
	}
	return out
}

// ConfirmText is the question put to the operator for one device.
func ConfirmText(kind model.ActionKind, deviceID string) string {
	return fmt.Sprintf("Do you want to %s the device with ID: %s?", kind, deviceID)
}

// --- History ---

// ToWireHistory converts journal records.
func ToWireHistory(recs []model.OutcomeRecord) rpc.HistoryResponse {
	out := rpc.HistoryResponse{Records: make([]rpc.HistoryRecord, 0, len(recs))}
	for _, r := range recs {
		out.Records = append(out.Records, rpc.HistoryRecord{
			BatchID:    r.BatchID.String(),
			Seq:        r.Seq,
			Operator:   r.Operator,
			RecordedAt: r.RecordedAt.UTC(),
			Outcome:    ToWireOutcome(r.ActionOutcome),
		})
	}
	return out
}
