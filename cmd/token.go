package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/devicehub/internal/pkg/authz"
)

var _tokenCmdOpts struct {
	user  string
	roles []string
	ttl   time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	Long: `token signs a bearer token with auth.jwt-secret. Roles are given as
role@entity-type:entity-id, eg. tenant@unit:prop-3/u-12 or owner@portfolio:*.
Unit ids are qualified by their property.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return doToken()
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("auth.jwt-secret")
	},
}

func init() {
	tokenCmd.Flags().StringVar(&_tokenCmdOpts.user, "user", "", "user ID placed in the token subject")
	tokenCmd.Flags().StringSliceVar(&_tokenCmdOpts.roles, "role", nil, "role association, may be repeated")
	tokenCmd.Flags().DurationVar(&_tokenCmdOpts.ttl, "ttl", 12*time.Hour, "token lifetime")

	rootCmd.AddCommand(tokenCmd)
}

func parseRole(s string) (authz.RoleAssociation, error) {
	role, entity, ok := strings.Cut(s, "@")
	if !ok {
		return authz.RoleAssociation{}, fmt.Errorf("role %q: want role@entity-type:entity-id", s)
	}
	kind, id, ok := strings.Cut(entity, ":")
	if !ok || id == "" {
		return authz.RoleAssociation{}, fmt.Errorf("role %q: want role@entity-type:entity-id", s)
	}

	switch authz.EntityType(kind) {
	case authz.EntityPortfolio, authz.EntityProperty, authz.EntityUnit:
	default:
		return authz.RoleAssociation{}, fmt.Errorf("role %q: unknown entity type %q", s, kind)
	}
	if _, ok := authz.DefaultRoles()[authz.Role(role)]; !ok {
		return authz.RoleAssociation{}, fmt.Errorf("role %q: unknown role %q", s, role)
	}

	ra := authz.RoleAssociation{EntityType: authz.EntityType(kind), EntityID: id, Role: authz.Role(role)}
	if ra.EntityType == authz.EntityUnit {
		property, unit, ok := strings.Cut(id, "/")
		if !ok || property == "" || unit == "" {
			return authz.RoleAssociation{}, fmt.Errorf("role %q: want unit:property-id/unit-id", s)
		}
		ra.PropertyID, ra.EntityID = property, unit
	}
	return ra, nil
}

func doToken() error {
	if _tokenCmdOpts.user == "" {
		return fmt.Errorf("--user is required")
	}

	p := authz.Principal{UserID: _tokenCmdOpts.user}
	for _, s := range _tokenCmdOpts.roles {
		ra, err := parseRole(s)
		if err != nil {
			return err
		}
		p.Roles = append(p.Roles, ra)
	}

	parser := authz.NewBearerParser(viper.GetString("auth.jwt-secret"), viper.GetString("auth.jwt-issuer"))
	token, err := parser.Issue(p, _tokenCmdOpts.ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
