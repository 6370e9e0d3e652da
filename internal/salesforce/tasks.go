package salesforce

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/rinkelrelay/internal/relay"
)

// taskFields maps composed content onto Task fields. Call fields are only
// sent once the call itself is known.
func taskFields(content relay.ActivityContent) map[string]any {
	fields := map[string]any{
		"Subject":     content.Title,
		"Description": content.Body,
	}
	if content.Direction != "" {
		callType := "Outbound"
		if content.Direction == relay.Inbound {
			callType = "Inbound"
		}
		fields["CallType"] = callType
		fields["CallDurationInSeconds"] = content.DurationSeconds
	}
	return fields
}

// Create inserts a completed Task linked to the record.
func (c *Client) Create(ctx context.Context, recordID string, content relay.ActivityContent) (string, error) {
	if strings.TrimSpace(recordID) == "" {
		return "", relay.Permanent(fmt.Errorf("%w: record id is required", ErrInvalidInput))
	}
	fields := taskFields(content)
	fields["WhatId"] = recordID
	fields["Status"] = "Completed"
	if content.CallID != "" {
		fields["CallObject"] = content.CallID
	}

	var created struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.dataPath("/sobjects/Task"), fields, &created); err != nil {
		return "", err
	}
	if !created.Success || created.ID == "" {
		return "", relay.Permanent(fmt.Errorf("salesforce task create returned no id"))
	}
	c.logger.InfoContext(ctx, "salesforce task created", "task", created.ID, "record", recordID, "callId", content.CallID)
	return created.ID, nil
}

// Update replaces the Task subject and description.
func (c *Client) Update(ctx context.Context, activityID string, content relay.ActivityContent) error {
	if strings.TrimSpace(activityID) == "" {
		return relay.Permanent(fmt.Errorf("%w: task id is required", ErrInvalidInput))
	}
	path := c.dataPath("/sobjects/Task/" + url.PathEscape(activityID))
	if err := c.doJSON(ctx, http.MethodPatch, path, taskFields(content), nil); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "salesforce task updated", "task", activityID, "callId", content.CallID)
	return nil
}

// FindByCallID returns the Task already logged for a call, or "" when there is
// none. Tasks carry the call id in CallObject.
func (c *Client) FindByCallID(ctx context.Context, callID string) (string, error) {
	if strings.TrimSpace(callID) == "" {
		return "", nil
	}
	soql := fmt.Sprintf("SELECT Id FROM Task WHERE CallObject = '%s' LIMIT 1", escapeSOQL(callID))
	result, err := c.Query(ctx, soql)
	if err != nil {
		return "", err
	}
	if len(result.Records) == 0 {
		return "", nil
	}
	id := result.Records[0].String("Id")
	c.logger.DebugContext(ctx, "salesforce task found for call", "task", id, "callId", callID)
	return id, nil
}
