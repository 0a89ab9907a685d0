package cli

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/i2y/odeon/correlation"
)

// KeyView is the decoded form of a correlation key.
type KeyView struct {
	Set    string   `json:"set"`
	Values []string `json:"values"`
}

// DecodedKeySet is the output of key decode.
type DecodedKeySet struct {
	Canonical string    `json:"canonical"`
	Legacy    bool      `json:"legacy"`
	Keys      []KeyView `json:"keys"`
}

// DecodedSelector is the output of key selector.
type DecodedSelector struct {
	CorrelatorID string    `json:"correlatorId"`
	Index        int       `json:"index"`
	Policy       string    `json:"policy"`
	OneWay       bool      `json:"oneWay"`
	Keys         []KeyView `json:"keys"`
}

// NewKeyCommand creates the key command group.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Encode and decode correlation keys",
	}
	cmd.AddCommand(newKeyEncodeCommand(rootOpts))
	cmd.AddCommand(newKeyDecodeCommand(rootOpts))
	cmd.AddCommand(newKeySelectorCommand(rootOpts))
	return cmd
}

func newKeyEncodeCommand(rootOpts *RootOptions) *cobra.Command {
	var legacy bool

	cmd := &cobra.Command{
		Use:   "encode <set=value[,value...]>...",
		Short: "Print the stored form of a correlation key set",
		Example: `  odeon key encode orderId=42
  odeon key encode orderId=42 customer=acme,eu`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]correlation.Key, 0, len(args))
			for _, arg := range args {
				k, err := parseKeyArg(arg)
				if err != nil {
					return err
				}
				keys = append(keys, k)
			}

			var encoded string
			if legacy {
				if len(keys) != 1 {
					return fmt.Errorf("the legacy form holds exactly one key, got %d", len(keys))
				}
				encoded = keys[0].Canonical()
			} else {
				encoded = correlation.NewKeySet(keys...).Canonical()
			}
			out := map[string]string{"encoded": encoded}
			return rootOpts.writeResult(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintln(w, encoded)
			})
		},
	}

	cmd.Flags().BoolVar(&legacy, "legacy", false, "print the single-key form of older engine versions")
	return cmd
}

func parseKeyArg(arg string) (correlation.Key, error) {
	set, values, ok := strings.Cut(arg, "=")
	if !ok || set == "" {
		return correlation.Key{}, fmt.Errorf("invalid key %q: want set=value[,value...]", arg)
	}
	k := correlation.NewKey(set, strings.Split(values, ",")...)
	if err := k.Validate(); err != nil {
		return correlation.Key{}, fmt.Errorf("invalid key %q: %w", arg, err)
	}
	return k, nil
}

func newKeyDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <stored-key-set>",
		Short: "Decode a stored correlation key set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := correlation.ParseKeySet(args[0])
			if err != nil {
				return err
			}
			out := DecodedKeySet{
				Canonical: ks.Canonical(),
				Legacy:    correlation.IsLegacy(args[0]),
				Keys:      keyViews(ks),
			}
			return rootOpts.writeResult(cmd.OutOrStdout(), out, func(w io.Writer) {
				if out.Legacy {
					fmt.Fprintf(w, "legacy key, current form %s\n", out.Canonical)
				}
				writeKeys(w, out.Keys)
			})
		},
	}
}

func newKeySelectorCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "selector <base64-blob>",
		Short: "Decode a stored selector blob of any version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := base64.StdEncoding.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("invalid base64: %w", err)
			}
			sel, err := correlation.DecodeSelector(blob)
			if err != nil {
				return err
			}
			out := DecodedSelector{
				CorrelatorID: sel.CorrelatorID,
				Index:        sel.Index,
				Policy:       string(sel.Policy),
				OneWay:       sel.OneWay,
				Keys:         keyViews(sel.KeySet),
			}
			return rootOpts.writeResult(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "correlator %s, index %d, policy %s, one-way %t\n",
					out.CorrelatorID, out.Index, out.Policy, out.OneWay)
				writeKeys(w, out.Keys)
			})
		},
	}
}

func keyViews(ks correlation.KeySet) []KeyView {
	views := make([]KeyView, 0, ks.Len())
	for _, k := range ks.Keys() {
		views = append(views, KeyView{Set: k.SetName, Values: k.Values})
	}
	return views
}

func writeKeys(w io.Writer, keys []KeyView) {
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %s\n", k.Set, strings.Join(k.Values, ", "))
	}
}
