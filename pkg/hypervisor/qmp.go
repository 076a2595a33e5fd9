package hypervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

const qmpTimeout = 10 * time.Second

// qmpCommand runs one command over QEMU's machine protocol socket. Each
// call connects, negotiates capabilities and disconnects.
func qmpCommand(ctx context.Context, socket, command string) error {
	timeout := qmpTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return fmt.Errorf("qmp: %s: %w", command, context.DeadlineExceeded)
	}

	mon, err := qmp.NewSocketMonitor("unix", socket, timeout)
	if err != nil {
		return fmt.Errorf("qmp: dial %s: %w", socket, err)
	}
	if err := mon.Connect(); err != nil {
		return fmt.Errorf("qmp: connect %s: %w", socket, err)
	}
	defer mon.Disconnect()

	cmd, err := json.Marshal(qmp.Command{Execute: command})
	if err != nil {
		return err
	}
	raw, err := mon.Run(cmd)
	if err != nil {
		return fmt.Errorf("qmp: %s: %w", command, err)
	}
	return qmpReplyError(raw)
}

type qmpReply struct {
	Error *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error"`
}

// qmpReplyError turns an error reply into a Go error.
func qmpReplyError(raw []byte) error {
	var reply qmpReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("qmp: decode reply: %w", err)
	}
	if reply.Error != nil {
		return fmt.Errorf("qmp: %s: %s", reply.Error.Class, reply.Error.Desc)
	}
	return nil
}
