package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dropguard/dropguard/pkg/cloud"
	"github.com/dropguard/dropguard/pkg/cloud/digitalocean"
)

func newListCommand() *cobra.Command {
	var (
		showRegions bool
		showImages  bool
		showKeys    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List selectable regions, images, and SSH keys",
		Long: `Query the provider for the values usable with create: region slugs,
base image slugs, and the SSH keys stored in the account.`,
		Example: `  # List regions
  dropguard list --regions

  # List everything
  dropguard list --regions --images --keys`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !showRegions && !showImages && !showKeys {
				return fmt.Errorf("nothing to list: pass --regions, --images, or --keys")
			}

			token := os.Getenv(tokenEnvVar)
			if token == "" {
				return fmt.Errorf("%s environment variable is not set", tokenEnvVar)
			}
			client := digitalocean.NewClient(token)
			ctx := cmd.Context()

			if showRegions {
				regions, err := client.ListRegions(ctx)
				if err != nil {
					return err
				}
				if err := printRegions(regions); err != nil {
					return err
				}
			}

			if showImages {
				images, err := client.ListImages(ctx)
				if err != nil {
					return err
				}
				if err := printImages(images); err != nil {
					return err
				}
			}

			if showKeys {
				keys, err := client.ListKeys(ctx)
				if err != nil {
					return err
				}
				if err := printKeys(keys); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&showRegions, "regions", false, "list provider regions")
	cmd.Flags().BoolVar(&showImages, "images", false, "list base images")
	cmd.Flags().BoolVar(&showKeys, "keys", false, "list account SSH keys")

	return cmd
}

func printRegions(regions []cloud.Region) error {
	if jsonOutput {
		return printJSON(regions)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tNAME\tAVAILABLE\tSIZES")
	for _, r := range regions {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", r.Slug, r.Name, r.Available, strings.Join(r.Sizes, ","))
	}
	return w.Flush()
}

func printImages(images []cloud.Image) error {
	if jsonOutput {
		return printJSON(images)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tDISTRIBUTION\tNAME\tID")
	for _, img := range images {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", img.Slug, img.Distribution, img.Name, img.ID)
	}
	return w.Flush()
}

func printKeys(keys []cloud.SSHKey) error {
	if jsonOutput {
		return printJSON(keys)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFINGERPRINT")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\n", k.ID, k.Name, k.Fingerprint)
	}
	return w.Flush()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
