package doctor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// checkCollector dials the OTLP collector and waits for the connection to
// become ready.
func checkCollector(ctx context.Context, endpoint string, plaintext bool, timeout time.Duration) Check {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if plaintext {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return Check{Name: "telemetry.otlp", Pass: false, Message: fmt.Sprintf("dial %s: %v", endpoint, err)}
	}
	defer conn.Close()
	conn.Connect()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := waitForReady(waitCtx, conn); err != nil {
		return Check{Name: "telemetry.otlp", Pass: false, Message: fmt.Sprintf("collector %s not ready: %v", endpoint, err)}
	}
	return Check{Name: "telemetry.otlp", Pass: true, Message: fmt.Sprintf("collector ready at %s", endpoint)}
}

// waitForReady blocks until the connection is Ready, shut down, or ctx ends.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection entered shutdown state")
		}

		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("timed out in state %s", state.String())
		}
	}
}
