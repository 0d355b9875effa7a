package intake

import (
	"encoding/json"
	"testing"

	logx "wagate/pkg/logx"
)

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing url", Config{Queue: "jobs"}, true},
		{"missing queue", Config{URL: "amqp://localhost"}, true},
		{"valid", Config{URL: "amqp://localhost", Queue: "jobs"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConsumer(tc.cfg, nil, logx.Nop())
			if (err != nil) != tc.wantErr {
				t.Fatalf("NewConsumer(%+v) err = %v, wantErr %v", tc.cfg, err, tc.wantErr)
			}
		})
	}
}

func TestJobValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			"complete",
			`{"tenant":"acme","recipients":["0812000111"],"body":"hi","process":"order-shipped","variables":{"order":"42"}}`,
			false,
		},
		{"no tenant", `{"recipients":["0812000111"],"body":"hi"}`, true},
		{"no recipients", `{"tenant":"acme","body":"hi"}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var job Job
			if err := json.Unmarshal([]byte(tc.raw), &job); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if err := job.validate(); (err != nil) != tc.wantErr {
				t.Fatalf("validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
