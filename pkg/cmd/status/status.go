package status

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kartware/kartlive/pkg/config"
	natspub "github.com/kartware/kartlive/pkg/publish/nats"
)

const requestTimeout = 2 * time.Second

// NewStatusCmd queries a running server for its track worker states.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [trackId]",
		Short: "shows the track worker status of a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trackID := 0
			if len(args) == 1 {
				var err error
				if trackID, err = strconv.Atoi(args[0]); err != nil {
					return fmt.Errorf("invalid track id %q: %w", args[0], err)
				}
			}
			return requestStatus(trackID)
		},
	}
	return cmd
}

func requestStatus(trackID int) error {
	conn, err := natspub.Connect(config.NatsURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	msg, err := conn.Request(natspub.StatusSubject(trackID), nil, requestTimeout)
	if err != nil {
		return fmt.Errorf("no response from server: %w", err)
	}
	fmt.Println(string(msg.Data))
	return nil
}
