package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/voicemesh/internal/app/rooms"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Create and inspect rooms",
}

var roomCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room owned by you; your previous room is retired",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, me, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		room, err := roomController(client, cfg).Create(cmd.Context(), me.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s (expires %s)\n", room.ID, room.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var roomCheckCmd = &cobra.Command{
	Use:   "check <room-id>",
	Short: "Check that a room exists and has not expired",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, _, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		room, err := roomController(client, cfg).Validate(cmd.Context(), domain.RoomID(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("%s owned by %s, %s left\n", room.ID, room.OwnerID, time.Until(room.ExpiresAt).Round(time.Second))
		return nil
	},
}

func roomController(store core.DocumentStore, cfg *config.Config) *rooms.Controller {
	return rooms.NewController(store, rooms.WithTTL(cfg.RoomTTL))
}

func init() {
	roomCmd.AddCommand(roomCreateCmd, roomCheckCmd)
	rootCmd.AddCommand(roomCmd)
}
