// Command wimount mounts WIM archive images as live filesystems and
// drives their unmount/commit handshake.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/wimtools/wimount/internal/cli"
	"github.com/wimtools/wimount/pkg/types"
)

func main() {
	if err := cli.New().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wimount:", err)
		var protoErr *types.ProtocolError
		if errors.As(err, &protoErr) {
			os.Exit(int(protoErr.Code))
		}
		os.Exit(1)
	}
}
