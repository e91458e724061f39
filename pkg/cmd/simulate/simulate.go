package simulate

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/pkg/config"
	natspub "github.com/kartware/kartlive/pkg/publish/nats"
)

// NewSimulateCmd toggles session liveness on a running server, for
// verifying downstream consumers without a live feed.
func NewSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate trackId start|stop",
		Short: "simulates session activity on a running server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendSimulate(args[0], args[1])
		},
	}
	return cmd
}

func sendSimulate(trackArg, action string) error {
	trackID, err := strconv.Atoi(trackArg)
	if err != nil {
		return fmt.Errorf("invalid track id %q: %w", trackArg, err)
	}
	if action != "start" && action != "stop" {
		return fmt.Errorf("action must be start or stop, got %q", action)
	}
	conn, err := natspub.Connect(config.NatsURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Publish(natspub.SimulateSubject(trackID), []byte(action)); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}
	log.Info("simulate request sent",
		log.Int("trackId", trackID), log.String("action", action))
	return nil
}
