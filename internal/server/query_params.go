package server

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const dateOnlyLayout = "2006-01-02"

var errInvalidSnowflakeID = errors.New("invalid_snowflake_id")

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed == 0 {
		return nil, errInvalidSnowflakeID
	}
	return &parsed, nil
}

// pathID parses the :id route parameter. Malformed ids read as not found.
func pathID(c *gin.Context) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(c.Param("id"))
	if err != nil || id == nil {
		return 0, ErrNotFound
	}
	return *id, nil
}

// optionalID parses an id from a body or query field, reporting field on failure.
func optionalID(field, value string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(value)
	if err != nil {
		return 0, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}

func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if endOfDay {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}
