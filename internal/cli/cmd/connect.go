package cmd

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/filipexyz/chatd/internal/cli/display"
)

var loginAs string

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a chat server",
	Long:  `Open an interactive session: lines you type are sent to the server, everything the server sends is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		colors := display.NewColorizer()

		conn, err := net.Dial("tcp", serverAddr)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", serverAddr, err)
		}
		defer conn.Close()

		fmt.Println(colors.Info("Connected to " + serverAddr))

		if loginAs == "" {
			loginAs = cfg.Username
		}
		if loginAs != "" {
			fmt.Println(colors.System("Hint: /login " + loginAs + " <password>"))
		}

		done := make(chan struct{})

		// server -> stdout
		go func() {
			defer close(done)
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				fmt.Println(colors.Line(scanner.Text()))
			}
		}()

		// stdin -> server
		go func() {
			in := bufio.NewScanner(os.Stdin)
			for in.Scan() {
				line := strings.TrimSpace(in.Text())
				if line == "" {
					continue
				}
				if line == "/quit" {
					conn.Close()
					return
				}
				if _, err := conn.Write([]byte(line + "\n")); err != nil {
					fmt.Println(colors.Error("send failed: " + err.Error()))
					conn.Close()
					return
				}
			}
			conn.Close()
		}()

		<-done
		fmt.Println(colors.System("Disconnected."))
		return nil
	},
}

func init() {
	connectCmd.Flags().StringVar(&loginAs, "user", "", "username hint printed after connecting")
	rootCmd.AddCommand(connectCmd)
}
