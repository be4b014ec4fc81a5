package cloud

import (
	"encoding/base64"
	"fmt"
)

// UserData renders the cloud-init payload that bootstraps an inference
// engine on a fresh VM: the operator-supplied container run command is
// written to a script and executed once on first boot.
func UserData(runCommand string) string {
	script := "#!/bin/bash\nset -euo pipefail\n" + runCommand + "\n"
	encoded := base64.StdEncoding.EncodeToString([]byte(script))

	return fmt.Sprintf(`#cloud-config
write_files:
  - path: /opt/inference/bootstrap.sh
    permissions: "0755"
    encoding: b64
    content: %s
runcmd:
  - [bash, /opt/inference/bootstrap.sh]
`, encoded)
}
