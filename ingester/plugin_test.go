package ingester

import (
	"strings"
	"testing"

	"github.com/hashicorp/go-plugin"
)

func dispense(t *testing.T) Service {
	t.Helper()
	client, _ := plugin.TestPluginRPCConn(t, map[string]plugin.Plugin{
		PluginName: &ServicePlugin{Impl: &Plugin{}},
	}, nil)
	t.Cleanup(func() { client.Close() })

	raw, err := client.Dispense(PluginName)
	if err != nil {
		t.Fatal(err)
	}
	return raw.(Service)
}

func TestRPCGetSchema(t *testing.T) {
	schema, err := dispense(t).GetSchema()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"db_connection_string": true, "streams": false, "lock": false, "checkpoint": false}
	found := map[string]bool{}
	for _, f := range schema {
		found[f.Name] = true
		if req, ok := want[f.Name]; ok && req != f.Required {
			t.Errorf("%s: required = %v", f.Name, f.Required)
		}
	}
	for name := range want {
		if !found[name] {
			t.Errorf("schema lacks %s", name)
		}
	}
}

func TestRPCStartRejectsInvalidConfig(t *testing.T) {
	svc := dispense(t)

	err := svc.Start([]byte(`{"tables": ["orders"]}`))
	if err == nil || !strings.Contains(err.Error(), "db_connection_string") {
		t.Fatalf("Start = %v, want a missing db_connection_string error", err)
	}
	if err := svc.Start([]byte(`not json`)); err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestStopWhenIdle(t *testing.T) {
	if err := dispense(t).Stop(); err != nil {
		t.Errorf("Stop = %v", err)
	}
}
