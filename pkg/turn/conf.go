package turn

import (
	"bytes"
	"text/template"

	"github.com/openrover/teleop/pkg/config"
)

var confTemplate = template.Must(template.New("turnserver").Parse(`# generated, any changes will be lost on restart
listening-port={{.Port}}
{{- if .Tls}}
tls-listening-port={{.TlsPort}}
cert={{.Cert}}
pkey={{.Key}}
{{- else}}
no-tls
no-dtls
{{- end}}
{{- if .ListenIp}}
listening-ip={{.ListenIp}}
{{- end}}
{{- if .ExternalIp}}
external-ip={{.ExternalIp}}
{{- end}}
realm={{.Realm}}
fingerprint
{{- if .Secret}}
use-auth-secret
static-auth-secret={{.Secret}}
{{- else}}
lt-cred-mech
user={{.User}}:{{.Credential}}
{{- end}}
total-quota={{.TotalQuota}}
user-quota={{.UserQuota}}
max-bps={{.MaxBps}}
stale-nonce=600
{{- if .Mobility}}
mobility
{{- end}}
no-multicast-peers
no-cli
pidfile={{.PidPath}}
simple-log
`))

type confView struct {
	config.Turn
	Tls bool
}

// renderConf makes the text of a coturn config file.
func renderConf(c config.Turn) ([]byte, error) {
	var buf bytes.Buffer
	if err := confTemplate.Execute(&buf, confView{Turn: c, Tls: c.HasTls()}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
