package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/guided-traffic/mantaclient"
	"github.com/guided-traffic/mantaclient/internal/config"
	"github.com/guided-traffic/mantaclient/object"
	"github.com/guided-traffic/mantaclient/signer"
)

var (
	version = "dev"
	commit  = "unknown"

	cfgFile string
	cfg     *config.Config

	rootCmd = &cobra.Command{
		Use:   "mantactl",
		Short: "mantactl is a command-line client for the signed object store",
		Long: `mantactl issues signed, retried requests against an object store using
the same signing, multipart-upload, and client-side-encryption pipeline as
the library it ships with.

Configuration is read from --config (YAML), environment variables prefixed
MANTACTL_, or the defaults baked into the client.`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")

	rootCmd.AddCommand(putCmd, getCmd, headCmd, rmCmd, versionCmd)
}

func initConfig() {
	v := viper.New()
	v.SetEnvPrefix("MANTACTL")
	v.AutomaticEnv()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			logrus.WithError(err).Fatal("failed to read configuration file")
		}
	}

	cfg = config.Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		logrus.WithError(err).Fatal("failed to parse configuration")
	}
}

func newClient() *manta.Client {
	sign, err := signer.NewFromPath(cfg.MantaUser, cfg.MantaKeyPath, cfg.MantaKeyID)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load signing key")
	}
	client, err := manta.New(cfg, sign)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build client")
	}
	return client
}

var putCmd = &cobra.Command{
	Use:   "put <path>",
	Short: "Upload stdin to an object",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			logrus.WithError(err).Fatal("reading stdin")
		}
		client := newClient()
		result, err := client.PutObject(context.Background(), args[0], object.Bytes{Data: data}, nil, nil)
		if err != nil {
			logrus.WithError(err).Fatal("upload failed")
		}
		fmt.Printf("etag=%s\n", result.ETag)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Download an object to stdout",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		body, _, err := client.GetObject(context.Background(), args[0])
		if err != nil {
			logrus.WithError(err).Fatal("download failed")
		}
		defer body.Close()
		if _, err := io.Copy(os.Stdout, body); err != nil {
			logrus.WithError(err).Fatal("writing to stdout")
		}
	},
}

var headCmd = &cobra.Command{
	Use:   "head <path>",
	Short: "Print an object's headers",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		resp, err := client.HeadObject(context.Background(), args[0])
		if err != nil {
			logrus.WithError(err).Fatal("head failed")
		}
		for k, v := range resp {
			fmt.Printf("%s: %s\n", k, v)
		}
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		if err := client.Delete(context.Background(), args[0]); err != nil {
			logrus.WithError(err).Fatal("delete failed")
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mantactl %s (%s)\n", version, commit)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
