package lock

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/msageha/taskexec/internal/model"
)

const portDialTimeout = 500 * time.Millisecond

// CheckPortsFree reports every port that accepts a local TCP connection.
func CheckPortsFree(ctx context.Context, ports []int) error {
	var errs []error
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return err
		}
		if PortInUse(ctx, port) {
			errs = append(errs, model.NewSecurityError(model.ErrPortInUse, "port %d is in use", port))
		}
	}
	return errors.Join(errs...)
}

// PortInUse reports whether something is listening on 127.0.0.1:port.
func PortInUse(ctx context.Context, port int) bool {
	d := net.Dialer{Timeout: portDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
