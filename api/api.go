/*
Package api implements the read only HTTP API of the node.

The API exposes the health of the node, its static configuration, the
synchronization state of every mining tree at the last checkpoint, the history
of commits (when the history database is enabled) and the prometheus metrics.
*/
package api

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/database/historydb"
	"github.com/superphiz/tornado-root-updater/database/statedb"
	"github.com/superphiz/tornado-root-updater/synchronizer"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultCommitsLimit = 20

// API serves HTTP requests to allow external interaction with the node
type API struct {
	version   string
	config    *configAPI
	sync      *synchronizer.Synchronizer
	stateDB   *statedb.StateDB
	historyDB *historydb.HistoryDB
	validate  *validator.Validate
}

// Config wraps the parameters needed to start the API
type Config struct {
	Version string
	Server  *gin.Engine
	Sync    *synchronizer.Synchronizer
	// HistoryDB is optional.  Without it the commit endpoints answer
	// with 503.
	HistoryDB *historydb.HistoryDB
	Constants Constants
}

// NewAPI sets the endpoints and the appropriate handlers, but doesn't start the server
func NewAPI(setup Config) (*API, error) {
	if setup.Server == nil {
		return nil, common.Wrap(errors.New("cannot serve the API without a gin engine"))
	}
	if setup.Sync == nil {
		return nil, common.Wrap(errors.New("cannot serve the API without Synchronizer"))
	}
	a := &API{
		version:   setup.Version,
		config:    newConfigAPI(setup.Constants),
		sync:      setup.Sync,
		stateDB:   setup.Sync.StateDB(),
		historyDB: setup.HistoryDB,
		validate:  validator.New(),
	}

	server := setup.Server
	server.GET("/health", a.getHealth)
	server.GET("/metrics", gin.WrapH(promhttp.Handler()))
	v1 := server.Group("/v1")
	v1.GET("/config", a.getConfig)
	v1.GET("/state", a.getState)
	v1.GET("/commits/:eventType", a.getCommits)
	v1.GET("/commits/:eventType/last", a.getLastCommit)
	return a, nil
}

func (a *API) getHealth(c *gin.Context) {
	successResponse(c, http.StatusOK, "ok", gin.H{"version": a.version})
}

func (a *API) getConfig(c *gin.Context) {
	successResponse(c, http.StatusOK, "config", a.config)
}

type treeState struct {
	*statedb.LastSummary
	Sync synchronizer.TypeStats `json:"sync"`
}

type stateAPI struct {
	EthLastBlock int64                           `json:"ethLastBlock"`
	SyncUpdated  time.Time                       `json:"syncUpdated"`
	CycleNum     common.CycleNum                 `json:"cycleNum"`
	Trees        map[common.EventType]*treeState `json:"trees"`
}

func (a *API) getState(c *gin.Context) {
	stats := a.sync.Stats()
	state := stateAPI{
		EthLastBlock: stats.Eth.LastBlock.Num,
		SyncUpdated:  stats.Sync.Updated,
		CycleNum:     a.stateDB.CurrentCycle(),
		Trees:        make(map[common.EventType]*treeState, len(common.EventTypes)),
	}
	for _, eventType := range common.EventTypes {
		summary, err := a.stateDB.LastGetSummary(eventType)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, "error reading state", err)
			return
		}
		state.Trees[eventType] = &treeState{
			LastSummary: summary,
			Sync:        stats.Sync.Types[eventType],
		}
	}
	successResponse(c, http.StatusOK, "state", state)
}

type commitsQuery struct {
	FromIndex int64 `form:"fromIndex" validate:"min=0"`
	Limit     uint  `form:"limit" validate:"min=1,max=1000"`
}

func (a *API) parseEventType(c *gin.Context) (common.EventType, bool) {
	eventType, err := common.ParseEventType(c.Param("eventType"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid event type", err)
		return "", false
	}
	return eventType, true
}

func (a *API) requireHistory(c *gin.Context) bool {
	if a.historyDB == nil {
		errorResponse(c, http.StatusServiceUnavailable, "commit history is disabled")
		return false
	}
	return true
}

func (a *API) getCommits(c *gin.Context) {
	if !a.requireHistory(c) {
		return
	}
	eventType, ok := a.parseEventType(c)
	if !ok {
		return
	}
	query := commitsQuery{Limit: defaultCommitsLimit}
	if err := c.ShouldBindQuery(&query); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid query", err)
		return
	}
	if err := a.validate.Struct(query); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid query", err)
		return
	}
	commits, err := a.historyDB.GetCommits(eventType, query.FromIndex, query.Limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "error reading commits", err)
		return
	}
	if commits == nil {
		commits = []historydb.Commit{}
	}
	successResponse(c, http.StatusOK, "commits", commits)
}

func (a *API) getLastCommit(c *gin.Context) {
	if !a.requireHistory(c) {
		return
	}
	eventType, ok := a.parseEventType(c)
	if !ok {
		return
	}
	commit, err := a.historyDB.GetLastCommit(eventType)
	if errors.Is(common.Unwrap(err), sql.ErrNoRows) {
		errorResponse(c, http.StatusNotFound, "no commits", err)
		return
	} else if err != nil {
		errorResponse(c, http.StatusInternalServerError, "error reading commits", err)
		return
	}
	successResponse(c, http.StatusOK, "commit", commit)
}
