package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/opd-ai/phonecheck/transport"
	"github.com/spf13/cobra"
)

func newSTUNCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stun [server]",
		Short: "Discover the public address of the media socket",
		Long: `Bind the media socket as a call would and ask the STUN server for its
public mapping. Nothing is sent to the SIP server.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				c.viper.Set("stun.server", args[0])
			}
			cfg, err := c.load()
			if err != nil {
				return err
			}
			if cfg.STUN.Server == "" {
				return errors.New("no STUN server configured (stun.server)")
			}

			conn, err := transport.ListenUDP(net.JoinHostPort(cfg.Media.BindAddress, strconv.Itoa(cfg.Media.RTPPort)))
			if err != nil {
				return err
			}
			defer conn.Close()

			client := transport.NewSTUNClient()
			if cfg.STUN.Timeout > 0 {
				client.SetTimeout(cfg.STUN.Timeout)
			}
			nat := transport.NewNATTraversal(client)

			local := conn.LocalAddr().(*net.UDPAddr)
			if server, err := transport.ResolveUDPAddr(cfg.STUN.Server, transport.DefaultSTUNPort); err == nil {
				local = transport.AdvertisableAddr(local, server)
			}
			mapping := nat.Discover(cmd.Context(), conn, local, cfg.STUN.Server)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Local:    %s\n", mapping.Local)
			if !mapping.Discovered() {
				return fmt.Errorf("STUN discovery failed: %s", mapping.Warning)
			}
			fmt.Fprintf(out, "Public:   %s\n", mapping.Public)
			if mapping.Public.IP.Equal(mapping.Local.IP) {
				fmt.Fprintln(out, "NAT:      none detected")
			} else {
				fmt.Fprintln(out, "NAT:      address translated")
			}
			return nil
		},
	}
	return cmd
}
