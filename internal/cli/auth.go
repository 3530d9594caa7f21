package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agatticelli/retail-dashboard/internal/auth"
)

type loginOptions struct {
	accessToken  string
	refreshToken string
	username     string
	role         string
}

func newLoginCmd(g *globalOptions) *cobra.Command {
	var opts loginOptions

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an access/refresh token pair issued by the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			store, err := rt.tokens()
			if err != nil {
				return err
			}

			user, err := userFromToken(opts)
			if err != nil {
				return err
			}
			pair := auth.TokenPair{AccessToken: opts.accessToken, RefreshToken: opts.refreshToken}
			if err := store.Save(pair, user); err != nil {
				return err
			}
			if !store.IsAuthenticated() {
				store.Clear()
				return fmt.Errorf("token is expired or expires within %v", rt.cfg.Auth.RefreshSkew)
			}

			rt.logger.Info("signed in", "user_id", user.ID, "email", user.Email)
			fmt.Fprintf(g.out, "Signed in as %s\n", displayUser(user))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.accessToken, "access-token", "", "JWT access token (required)")
	cmd.Flags().StringVar(&opts.refreshToken, "refresh-token", "", "Refresh token (required)")
	cmd.Flags().StringVar(&opts.username, "username", "", "Username to record (default: token email)")
	cmd.Flags().StringVar(&opts.role, "role", "", "Role to record (default: derived from authorities)")
	_ = cmd.MarkFlagRequired("access-token")
	_ = cmd.MarkFlagRequired("refresh-token")

	return cmd
}

// userFromToken builds the cached profile from the token claims.
func userFromToken(opts loginOptions) (*auth.User, error) {
	claims, err := auth.DecodeClaims(opts.accessToken)
	if err != nil {
		return nil, err
	}
	user := &auth.User{
		ID:          claims.UserID,
		Username:    opts.username,
		Email:       claims.Email,
		Name:        claims.Name,
		Role:        opts.role,
		Authorities: claims.Authorities,
	}
	if user.Username == "" {
		user.Username = claims.Email
	}
	if user.Role == "" {
		user.Role = "user"
		if claims.HasAuthority(auth.RoleAdmin) {
			user.Role = "admin"
		}
	}
	return user, nil
}

func displayUser(u *auth.User) string {
	switch {
	case u.Name != "" && u.Email != "":
		return fmt.Sprintf("%s <%s>", u.Name, u.Email)
	case u.Email != "":
		return u.Email
	default:
		return fmt.Sprintf("user %d", u.ID)
	}
}

func newLogoutCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			store, err := rt.tokens()
			if err != nil {
				return err
			}
			store.Clear()
			fmt.Fprintln(g.out, "Signed out")
			return nil
		},
	}
}

// session is what whoami prints.
type session struct {
	User        *auth.User `json:"user" yaml:"user"`
	Permissions []string   `json:"permissions" yaml:"permissions"`
	Admin       bool       `json:"admin" yaml:"admin"`
	ExpiresAt   time.Time  `json:"expiresAt" yaml:"expiresAt"`
	IPAddress   string     `json:"ipAddress,omitempty" yaml:"ipAddress,omitempty"`
}

func newWhoamiCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and token claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			store, err := rt.tokens()
			if err != nil {
				return err
			}
			if !store.IsAuthenticated() {
				return errNotSignedIn
			}

			user, err := store.User()
			if err != nil {
				return err
			}
			claims, err := store.Claims()
			if err != nil {
				return err
			}
			exp, _ := claims.Expiry()

			return render(g.out, g.output, session{
				User:        user,
				Permissions: store.Permissions(),
				Admin:       store.IsAdmin(),
				ExpiresAt:   exp,
				IPAddress:   claims.IPAddress,
			})
		},
	}
}
