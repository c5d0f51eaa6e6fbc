package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/flow-sensor/internal/config"
	"github.com/sweeney/flow-sensor/internal/flow"
	"github.com/sweeney/flow-sensor/internal/status"
)

var funcs = template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"orUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"rate": func(v float64) string {
		return fmt.Sprintf("%.1f", v)
	},
}

var indexTmpl = template.Must(template.New("index").Funcs(funcs).Parse(indexHTML))

var settingsTmpl = template.Must(template.New("settings").Funcs(funcs).Parse(settingsHTML))

const style = `<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
td.num { text-align: right; }
.ready { color: green; font-weight: bold; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.error { color: red; font-weight: bold; }
.saved { color: green; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>`

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Flow Sensors</title>
` + style + `
</head>
<body>
<h1>Flow Sensors<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Channels</h2>
<table id="channels">
<tr><th>Channel</th><th>Rate ({{orUnknown .Reading.RateUnits}})</th><th>Amount ({{orUnknown (printf "%s" .Reading.Units)}})</th></tr>
{{range .Channels}}<tr><td>{{.Channel}}</td><td class="num" id="rate-{{.Channel}}">{{rate .Rate}}</td><td class="num" id="amount-{{.Channel}}">{{.Usage}}</td></tr>
{{end}}</table>

<h2>Hardware</h2>
<table>
<tr><th>Interface</th><td>{{orUnknown (printf "%s" .Interface)}}</td></tr>
<tr><th>Sensor</th><td>{{.SensorType}} ({{.PulsesPerLiter}} pulses/L)</td></tr>
<tr><th>Connection</th><td class="{{if .Ready}}ready{{else}}unknown{{end}}">{{orUnknown (printf "%s" .Connection)}}</td></tr>
<tr><th>Cycles</th><td>{{.Stats.Cycles}}</td></tr>
<tr><th>Errors</th><td>{{.Stats.Errors}}{{if .Stats.LastError}} (last: {{.Stats.LastError}}){{end}}</td></tr>
<tr><th>Resets</th><td>{{.Stats.Resets}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}disabled{{end}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Interval</th><td>{{.Config.IntervalMs}}ms</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/settings">Settings</a> | <a href="/index.json">JSON</a> | <a href="/api/history">History</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }
  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() { setDot("err", "offline"); setTimeout(connect, 5000); };
    ws.onmessage = function(ev) {
      try {
        var msg = JSON.parse(ev.data);
        msg.channels.forEach(function(c) {
          document.getElementById("rate-" + c.channel).textContent = c.rate.toFixed(1);
          document.getElementById("amount-" + c.channel).textContent = c.usage;
        });
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

const settingsHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Flow Sensor Settings</title>
` + style + `
</head>
<body>
<h1>Flow Sensor Settings</h1>
{{if .Error}}<p class="error">Settings not saved: {{.Error}}</p>{{end}}
{{if .Saved}}<p class="saved">Settings saved. Counters were reset.</p>{{end}}
<form method="post" action="/settings">
<table>
<tr><th>Interface</th><td><select name="interface">
{{range .Interfaces}}<option value="{{.}}"{{if eq . $.Settings.Interface}} selected{{end}}>{{.}}</option>
{{end}}</select></td></tr>
<tr><th>Sensor type</th><td><input name="sensor_type" value="{{.Settings.SensorType}}"></td></tr>
<tr><th>Pulses per liter</th><td><input name="pulses_per_liter" value="{{.Settings.PulsesPerLiter}}"></td></tr>
<tr><th>Units</th><td><select name="units">
{{range .Units}}<option value="{{.}}"{{if eq . $.Settings.Units}} selected{{end}}>{{.}}</option>
{{end}}</select></td></tr>
</table>
<p><button type="submit">Save</button> Saving resets all channel amounts.</p>
</form>
<p><a href="/">Status</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() and Ready() methods but the template reads fields.
	data := struct {
		status.Snapshot
		Uptime   time.Duration
		Ready    bool
		Channels []status.ChannelJSON
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Ready:    snap.Ready(),
		Channels: status.Channels(snap.Reading),
	}
	indexTmpl.Execute(w, data)
}

func renderSettings(w io.Writer, s config.Settings, errMsg string, saved bool) {
	data := struct {
		Settings   config.Settings
		Interfaces []flow.InterfaceKind
		Units      []flow.Units
		Error      string
		Saved      bool
	}{
		Settings:   s,
		Interfaces: []flow.InterfaceKind{flow.Simulated, flow.Serial, flow.GPIO},
		Units:      []flow.Units{flow.Liters, flow.Gallons},
		Error:      errMsg,
		Saved:      saved,
	}
	settingsTmpl.Execute(w, data)
}
