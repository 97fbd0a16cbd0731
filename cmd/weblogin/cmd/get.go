package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dbosk/weblogin"
	"github.com/dbosk/weblogin/saml"
	"github.com/dbosk/weblogin/store"
)

var getCmd = &cobra.Command{
	Use:   "get URL",
	Short: "Fetch a URL through a login-aware session",
	Long: `Fetch a URL, transparently running the institution's SSO login flow if
the service asks for it. Credentials come from the WEBLOGIN_USERNAME and
WEBLOGIN_PASSWORD environment variables unless set otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().String("institution", "", "institution name or discovery entity hash")
	getCmd.Flags().String("trigger-url", "", "the service's login entry point (defaults to URL host /login)")
	getCmd.Flags().String("target-host", "", "host of the protected service (defaults to the URL's host)")
	getCmd.Flags().String("discovery-host", saml.DefaultDiscoveryHost, "host the login trigger is expected to land on")
	getCmd.Flags().String("discovery-url", "", "override the discovery metadata service base URL")
	getCmd.Flags().Bool("save-session", false, "persist the session snapshot after a successful fetch")
	getCmd.Flags().String("store", "redis", "snapshot store backend (redis, mongo)")
	getCmd.Flags().String("store-url", "redis://localhost:6379/0", "snapshot store connection URL")
	for _, flag := range []string{"institution", "trigger-url", "target-host", "discovery-host", "discovery-url", "save-session", "store", "store-url"} {
		_ = viper.BindPFlag(flag, getCmd.Flags().Lookup(flag))
	}
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	institution := viper.GetString("institution")
	if institution == "" {
		return fmt.Errorf("an institution is required (--institution or WEBLOGIN_INSTITUTION)")
	}
	username := viper.GetString("username")
	password := viper.GetString("password")
	if username == "" || password == "" {
		return fmt.Errorf("set WEBLOGIN_USERNAME and WEBLOGIN_PASSWORD")
	}

	target, err := url.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", args[0], err)
	}
	triggerURL := viper.GetString("trigger-url")
	if triggerURL == "" {
		triggerURL = target.Scheme + "://" + target.Host + "/login"
	}
	targetHost := viper.GetString("target-host")
	if targetHost == "" {
		targetHost = target.Host
	}

	handler := saml.New(saml.Config{
		TriggerURL:       triggerURL,
		TargetHost:       targetHost,
		Institution:      institution,
		DiscoveryHost:    viper.GetString("discovery-host"),
		DiscoveryBaseURL: viper.GetString("discovery-url"),
		Vars: map[string]string{
			"username": username,
			"password": password,
		},
	}, saml.WithLogger(logger))

	session, err := weblogin.NewSession(
		weblogin.WithHandlers(handler),
		weblogin.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	resp, err := session.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if viper.GetBool("save-session") {
		st, closeStore, err := newStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()
		snap, err := session.Snapshot()
		if err != nil {
			return err
		}
		if err := st.Save(cmd.Context(), snap); err != nil {
			return fmt.Errorf("cannot save session snapshot: %w", err)
		}
		logger.Info().Str("session_id", snap.ID).Msg("session snapshot saved")
	}

	if _, err := os.Stdout.Write(resp.Body); err != nil {
		return err
	}
	return nil
}

// newStore builds the snapshot store the flags select, returning a cleanup
// for its connection.
func newStore(ctx context.Context) (store.Store, func(), error) {
	uri := viper.GetString("store-url")
	switch backend := viper.GetString("store"); backend {
	case "redis":
		opts, err := redis.ParseURL(uri)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid Redis URL %q: %w", uri, err)
		}
		client := redis.NewClient(opts)
		return store.NewRedisStore(client, "weblogin"), func() { _ = client.Close() }, nil
	case "mongo":
		client, err := store.ConnectMongo(ctx, uri)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.NewMongoStore(ctx, client.Database("weblogin"))
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		return st, func() { _ = client.Disconnect(ctx) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
