package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "approvals"

// Redis is a directory backed by Redis hashes and sets:
//
//	<ns>:user:<id>             hash  company_id, active, manager_id, department_head_id
//	<ns>:user:<id>:roles       set   role ids
//	<ns>:role:<company>:<role> set   user ids
type Redis struct {
	client    redis.UniversalClient
	namespace string
	logger    *slog.Logger
}

// NewRedis creates a directory on an existing client.
func NewRedis(client redis.UniversalClient, namespace string, logger *slog.Logger) *Redis {
	if namespace == "" {
		namespace = defaultNamespace
	}

	return &Redis{
		client:    client,
		namespace: namespace,
		logger:    logger.With("module", "redis_directory"),
	}
}

// NewRedisFromURL connects to the redis:// url and verifies the connection.
func NewRedisFromURL(ctx context.Context, url, namespace string, logger *slog.Logger) (*Redis, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis directory", "addr", options.Addr, "db", options.DB)

	return NewRedis(client, namespace, logger), nil
}

func (r *Redis) userKey(id string) string {
	return r.namespace + ":user:" + id
}

func (r *Redis) userRolesKey(id string) string {
	return r.namespace + ":user:" + id + ":roles"
}

func (r *Redis) roleKey(companyID, role string) string {
	return r.namespace + ":role:" + companyID + ":" + role
}

func (r *Redis) User(ctx context.Context, id string) (*User, error) {
	var (
		fields *redis.MapStringStringCmd
		roles  *redis.StringSliceCmd
	)

	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, r.userKey(id))
		roles = pipe.SMembers(ctx, r.userRolesKey(id))

		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load user %s: %w", id, err)
	}

	values := fields.Val()
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}

	active, _ := strconv.ParseBool(values["active"])

	userRoles := roles.Val()
	sort.Strings(userRoles)

	return &User{
		ID:               id,
		CompanyID:        values["company_id"],
		Active:           active,
		ManagerID:        values["manager_id"],
		DepartmentHeadID: values["department_head_id"],
		Roles:            userRoles,
	}, nil
}

func (r *Redis) ActiveMembers(ctx context.Context, companyID, role string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.roleKey(companyID, role)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load role %s members: %w", role, err)
	}

	members := make([]string, 0, len(ids))

	for _, id := range ids {
		active, err := r.client.HGet(ctx, r.userKey(id), "active").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				r.logger.WarnContext(ctx, "Role member without user record", "role", role, "user_id", id)

				continue
			}

			return nil, fmt.Errorf("failed to load user %s: %w", id, err)
		}

		if ok, _ := strconv.ParseBool(active); ok {
			members = append(members, id)
		}
	}

	sort.Strings(members)

	return members, nil
}

// Put writes a user record and its role memberships atomically.
func (r *Redis) Put(ctx context.Context, user *User) error {
	previous, err := r.client.SMembers(ctx, r.userRolesKey(user.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to load user %s roles: %w", user.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.userKey(user.ID),
			"company_id", user.CompanyID,
			"active", strconv.FormatBool(user.Active),
			"manager_id", user.ManagerID,
			"department_head_id", user.DepartmentHeadID,
		)

		for _, role := range previous {
			pipe.SRem(ctx, r.roleKey(user.CompanyID, role), user.ID)
		}

		pipe.Del(ctx, r.userRolesKey(user.ID))

		for _, role := range user.Roles {
			pipe.SAdd(ctx, r.userRolesKey(user.ID), role)
			pipe.SAdd(ctx, r.roleKey(user.CompanyID, role), user.ID)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store user %s: %w", user.ID, err)
	}

	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
