package types

import "testing"

func TestDIMSECommandConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant uint16
		expected uint16
	}{
		{"C-STORE-RQ", CStoreRQ, 0x0001},
		{"C-STORE-RSP", CStoreRSP, 0x8001},
		{"C-FIND-RQ", CFindRQ, 0x0020},
		{"C-FIND-RSP", CFindRSP, 0x8020},
		{"C-MOVE-RQ", CMoveRQ, 0x0021},
		{"C-MOVE-RSP", CMoveRSP, 0x8021},
		{"C-ECHO-RQ", CEchoRQ, 0x0030},
		{"C-ECHO-RSP", CEchoRSP, 0x8030},
		{"C-CANCEL-RQ", CCancelRQ, 0x0FFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.constant != tt.expected {
				t.Errorf("%s = 0x%04x, want 0x%04x", tt.name, tt.constant, tt.expected)
			}
		})
	}
}

func TestResponseCommandFor(t *testing.T) {
	tests := []struct {
		request uint16
		want    uint16
	}{
		{CStoreRQ, CStoreRSP},
		{CFindRQ, CFindRSP},
		{CMoveRQ, CMoveRSP},
		{CEchoRQ, CEchoRSP},
		{0x0010, 0x8010},
	}

	for _, tt := range tests {
		if got := ResponseCommandFor(tt.request); got != tt.want {
			t.Errorf("ResponseCommandFor(0x%04x) = 0x%04x, want 0x%04x", tt.request, got, tt.want)
		}
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  uint16
		pending bool
		warning bool
		failure bool
	}{
		{"success", StatusSuccess, false, false, false},
		{"pending", StatusPending, true, false, false},
		{"pending warning", StatusPendingWarning, true, false, false},
		{"sub-ops with failures", StatusSubOpsWithFailures, false, true, false},
		{"coercion warning", 0xB007, false, true, false},
		{"attribute list warning", 0x0107, false, true, false},
		{"failure", StatusFailure, false, false, true},
		{"out of resources", StatusOutOfResources, false, false, true},
		{"move destination unknown", StatusMoveDestUnknown, false, false, true},
		{"cancel", StatusCancel, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPendingStatus(tt.status); got != tt.pending {
				t.Errorf("IsPendingStatus(0x%04x) = %v, want %v", tt.status, got, tt.pending)
			}
			if got := IsWarningStatus(tt.status); got != tt.warning {
				t.Errorf("IsWarningStatus(0x%04x) = %v, want %v", tt.status, got, tt.warning)
			}
			if got := IsFailureStatus(tt.status); got != tt.failure {
				t.Errorf("IsFailureStatus(0x%04x) = %v, want %v", tt.status, got, tt.failure)
			}
		})
	}
}

func TestMessage_HasDataset(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"C-FIND request", Message{CommandField: CFindRQ, CommandDataSetType: DataSetPresent}, true},
		{"C-ECHO request", Message{CommandField: CEchoRQ, CommandDataSetType: NoDataSet}, false},
		{"C-MOVE final response", Message{CommandField: CMoveRSP, CommandDataSetType: NoDataSet}, false},
		{"C-STORE request", Message{CommandField: CStoreRQ, CommandDataSetType: 0x0001}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.HasDataset(); got != tt.want {
				t.Errorf("HasDataset() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage_ZeroValues(t *testing.T) {
	msg := &Message{}

	if msg.CommandField != 0 {
		t.Errorf("Zero Message CommandField = 0x%04x, want 0x0000", msg.CommandField)
	}
	if msg.MoveDestination != "" {
		t.Errorf("Zero Message MoveDestination = %q, want empty", msg.MoveDestination)
	}
	if msg.NumberOfCompletedSuboperations != nil {
		t.Error("Zero Message NumberOfCompletedSuboperations should be nil")
	}
}
