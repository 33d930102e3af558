package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdScrapeNow      CommandType = "scrape_now"
	CmdScrapeSite     CommandType = "scrape_site"
	CmdPause          CommandType = "pause"
	CmdResume         CommandType = "resume"
	CmdEnableSite     CommandType = "enable_site"
	CmdAdvance        CommandType = "advance_contacts"
	CmdStopPursuing   CommandType = "stop_pursuing"
	CmdMarkResponded  CommandType = "mark_responded"
	CmdRetryContact   CommandType = "retry_contact"
	CmdRunSweep       CommandType = "run_sweep"
	CmdRunEnrichment  CommandType = "run_enrichment"
	CmdRunHealthcheck CommandType = "run_healthcheck"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	Site      string `json:"site,omitempty"`
	ListingID string `json:"listing_id,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ParseParams decodes the command payload; a missing payload yields zero params.
func (c *Command) ParseParams() (*CommandParams, error) {
	if c.Params == nil || string(c.Params) == "null" {
		return &CommandParams{}, nil
	}
	var params CommandParams
	if err := json.Unmarshal(c.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}
