package convert

import (
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/mdmkeeper/internal/model"
	"github.com/and161185/mdmkeeper/internal/rpc"
	"github.com/and161185/mdmkeeper/internal/service"
)

func TestDeviceRoundTripKeepsOrderAndZeroSync(t *testing.T) {
	t.Parallel()

	sync := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	in := []model.DeviceRecord{
		{ID: "b", DeviceName: "Laptop1", LastSyncDateTime: sync, Ownership: "company"},
		{ID: "a", DeviceName: "Phone"},
	}
	list := ToWireDeviceList(in, time.Time{})
	if list.FetchedAt != nil {
		t.Fatalf("zero fetch time must be omitted")
	}
	if list.Devices[1].LastSyncDateTime != nil {
		t.Fatalf("zero sync time must be omitted")
	}

	back := FromWireDevices(list.Devices)
	if len(back) != 2 || back[0].ID != "b" || back[1].ID != "a" {
		t.Fatalf("order lost: %+v", back)
	}
	if !back[0].LastSyncDateTime.Equal(sync) || back[0].Ownership != "company" {
		t.Fatalf("fields lost: %+v", back[0])
	}
	if !back[1].LastSyncDateTime.IsZero() {
		t.Fatalf("zero sync time changed: %v", back[1].LastSyncDateTime)
	}
}

func TestFromWireFilter(t *testing.T) {
	t.Parallel()

	f, err := FromWireFilter(rpc.FetchRequest{})
	if err != nil || !f.IsZero() {
		t.Fatalf("empty request: %+v %v", f, err)
	}
	f, err = FromWireFilter(rpc.FetchRequest{Field: "userPrincipalName", Value: "a@b.test"})
	if err != nil || f.Field != model.FilterUserPrincipalName {
		t.Fatalf("upn: %+v %v", f, err)
	}
	if _, err := FromWireFilter(rpc.FetchRequest{Field: "model", Value: "x"}); err == nil {
		t.Fatalf("unknown field accepted")
	}
	if _, err := FromWireFilter(rpc.FetchRequest{Field: "deviceName"}); err == nil {
		t.Fatalf("empty value accepted")
	}
}

func TestFromWireApplyStart(t *testing.T) {
	t.Parallel()

	kind, ids, err := FromWireApplyStart(rpc.ApplyStart{Action: "wipe", DeviceIDs: []string{"d1"}})
	if err != nil || kind != model.ActionWipe || len(ids) != 1 {
		t.Fatalf("got %v %v %v", kind, ids, err)
	}
	if _, _, err := FromWireApplyStart(rpc.ApplyStart{Action: "reboot", DeviceIDs: []string{"d1"}}); err == nil {
		t.Fatalf("unknown action accepted")
	}
	if _, _, err := FromWireApplyStart(rpc.ApplyStart{Action: "sync"}); err == nil {
		t.Fatalf("empty device list accepted")
	}
}

func TestToWireBatch(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.NewV7())
	b := model.ActionBatch{
		ID:       id,
		Kind:     model.ActionDelete,
		Operator: "alice",
		Outcomes: []model.ActionOutcome{{DeviceID: "d1", Kind: model.ActionDelete, StatusCode: 404, Message: "gone"}},
	}
	got := ToWireBatch(b, errors.New("context canceled"))
	if got.BatchID != id.String() || got.Action != "Delete" || got.Error != "context canceled" {
		t.Fatalf("batch: %+v", got)
	}
	if len(got.Outcomes) != 1 || got.Outcomes[0].Message != "gone" || got.Outcomes[0].Action != "Delete" {
		t.Fatalf("outcomes: %+v", got.Outcomes)
	}
}

func TestConfirmText(t *testing.T) {
	t.Parallel()

	if got := ConfirmText(model.ActionRetire, "abc"); got != "Do you want to Retire the device with ID: abc?" {
		t.Fatalf("got %q", got)
	}
}

func TestToWireSession(t *testing.T) {
	t.Parallel()

	st := service.SessionStatus{
		State:    service.StateAuthenticated,
		ClientID: "c",
		Account:  model.Account{Username: "admin@contoso.test"},
		Devices:  4,
	}
	got := ToWireSession(st)
	if got.State != "authenticated" || got.Username != "admin@contoso.test" || got.Devices != 4 {
		t.Fatalf("session: %+v", got)
	}
	if got.ExpiresAt != nil || got.FetchedAt != nil {
		t.Fatalf("zero times must be omitted: %+v", got)
	}
}
