package iot

import "testing"

func TestParseCommandShapes(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ParsedCommand
		wantErr bool
	}{
		{
			name: "full iot_command",
			raw:  "iot_command:LIGHT_SALA_ON:iot/lights/LIGHT_SALA/command,ON",
			want: ParsedCommand{Name: "LIGHT_SALA_ON", Topic: "iot/lights/LIGHT_SALA/command", Payload: "ON"},
		},
		{
			name: "bare mqtt_publish",
			raw:  "mqtt_publish:iot/lights/LIGHT_SALA/command,ON",
			want: ParsedCommand{Name: SyntheticName, Topic: "iot/lights/LIGHT_SALA/command", Payload: "ON"},
		},
		{
			name: "surrounding whitespace",
			raw:  "  mqtt_publish:iot/doors/DOOR_MAIN/command,OPEN  ",
			want: ParsedCommand{Name: SyntheticName, Topic: "iot/doors/DOOR_MAIN/command", Payload: "OPEN"},
		},
		{name: "missing payload", raw: "mqtt_publish:iot/lights/LIGHT_SALA/command", wantErr: true},
		{name: "empty topic", raw: "mqtt_publish:,ON", wantErr: true},
		{name: "missing command name", raw: "iot_command::iot/lights/LIGHT_SALA/command,ON", wantErr: true},
		{name: "missing topic section", raw: "iot_command:LIGHT_SALA_ON", wantErr: true},
		{name: "unknown prefix", raw: "do_something:now", wantErr: true},
		{name: "empty string", raw: "", wantErr: true},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Parse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				if _, ok := err.(*ParseError); !ok {
					t.Errorf("error type = %T, want *ParseError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Name != tt.want.Name || got.Topic != tt.want.Topic || got.Payload != tt.want.Payload {
				t.Errorf("parsed = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	p := NewParser()
	for _, raw := range []string{
		"iot_command:LIGHT_SALA_ON:iot/lights/LIGHT_SALA/command,ON",
		"mqtt_publish:iot/lights/LIGHT_SALA/command,ON",
	} {
		cmd, err := p.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		again, err := p.Parse(cmd.Format())
		if err != nil {
			t.Fatalf("reparse %q: %v", cmd.Format(), err)
		}
		if again.Name != cmd.Name || again.Topic != cmd.Topic || again.Payload != cmd.Payload {
			t.Errorf("round trip changed %q into %+v", raw, again)
		}
	}
}

func TestParserMemoizesLastParse(t *testing.T) {
	p := NewParser()
	raw := "mqtt_publish:iot/lights/LIGHT_SALA/command,ON"

	first, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	second, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if first != second {
		t.Error("expected the memoized command pointer")
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic  string
		want   Topic
		wantOK bool
	}{
		{
			topic:  "iot/lights/LIGHT_SALA/command",
			want:   Topic{Category: "lights", DeviceID: "LIGHT_SALA", Kind: "command"},
			wantOK: true,
		},
		{
			topic:  "iot/lights/LIGHT_SALA/status/get",
			want:   Topic{Category: "lights", DeviceID: "LIGHT_SALA", Kind: "status/get"},
			wantOK: true,
		},
		{
			topic:  "iot/system/confirmations",
			want:   Topic{Category: "system", Kind: "confirmations", System: true},
			wantOK: true,
		},
		{topic: "home/lights/LIGHT_SALA/command", wantOK: false},
		{topic: "iot/lights", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := ParseTopic(tt.topic)
		if ok != tt.wantOK {
			t.Errorf("ParseTopic(%q) ok = %v, want %v", tt.topic, ok, tt.wantOK)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("ParseTopic(%q) = %+v, want %+v", tt.topic, got, tt.want)
		}
	}
}

func TestValidPayload(t *testing.T) {
	for _, p := range []string{"ON", "OFF", "OPEN", "CLOSE", "22", "21.5", "-3"} {
		if !ValidPayload(p) {
			t.Errorf("ValidPayload(%q) = false, want true", p)
		}
	}
	for _, p := range []string{"on", "dim", "", "ON OFF"} {
		if ValidPayload(p) {
			t.Errorf("ValidPayload(%q) = true, want false", p)
		}
	}
}

func TestParseConfirmation(t *testing.T) {
	c, ok := ParseConfirmation("command|LIGHT_SALA|set|ON|ok")
	if !ok {
		t.Fatal("expected confirmation to parse")
	}
	if c.Device != "LIGHT_SALA" || c.Result != "ok" {
		t.Errorf("confirmation = %+v", c)
	}

	if _, ok := ParseConfirmation("too|few|fields"); ok {
		t.Error("expected short payload to be rejected")
	}
}
