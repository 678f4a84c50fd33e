package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/blockberries/sendberry"
	"github.com/blockberries/sendberry/pkg/addressbook"
)

// maxPeerMetadataSize bounds the metadata stored per address book entry.
const maxPeerMetadataSize = 4096

var peerMetadata []string

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "manage the address book",
}

var peersAddCmd = &cobra.Command{
	Use:   "add PEER_ID NAME MULTIADDR...",
	Short: "add or update a peer",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid peer id: %w", err)
		}
		addrs := make([]multiaddr.Multiaddr, 0, len(args)-2)
		for _, raw := range args[2:] {
			ma, err := multiaddr.NewMultiaddr(raw)
			if err != nil {
				return fmt.Errorf("invalid multiaddr %q: %w", raw, err)
			}
			addrs = append(addrs, ma)
		}
		md, err := parseMetadata(peerMetadata)
		if err != nil {
			return err
		}

		return withBook(func(book *addressbook.Book) error {
			if err := book.AddPeer(id, args[1], addrs, md); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", args[1], id)
			return nil
		})
	},
}

var peersRemoveCmd = &cobra.Command{
	Use:   "remove PEER_ID",
	Short: "remove a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid peer id: %w", err)
		}
		return withBook(func(book *addressbook.Book) error {
			return book.RemovePeer(id)
		})
	},
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "list known peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBook(func(book *addressbook.Book) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRS\tLAST SEEN")
			for _, p := range book.ListAllPeers() {
				addrs := make([]string, len(p.Multiaddrs))
				for i, ma := range p.Multiaddrs {
					addrs[i] = ma.String()
				}
				seen := "never"
				if !p.LastSeen.IsZero() {
					seen = p.LastSeen.Format(time.RFC3339)
				}
				if p.Blacklisted {
					seen += " (blacklisted)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, strings.Join(addrs, ","), seen)
			}
			return w.Flush()
		})
	},
}

func init() {
	peersAddCmd.Flags().StringSliceVarP(&peerMetadata, "meta", "m", nil, "metadata as key=value (repeatable)")

	peersCmd.AddCommand(peersAddCmd)
	peersCmd.AddCommand(peersRemoveCmd)
	peersCmd.AddCommand(peersListCmd)
}

// parseMetadata turns key=value pairs into a map and bounds its size.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", kv)
		}
		md[k] = v
	}
	if err := sendberry.ValidateMetadataSize(md, maxPeerMetadataSize); err != nil {
		return nil, err
	}
	return md, nil
}

// withBook opens the configured address book, runs fn and closes it.
func withBook(fn func(*addressbook.Book) error) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	book, err := addressbook.New(cfg.AddressBook)
	if err != nil {
		return err
	}
	return multierr.Append(fn(book), book.Close())
}
