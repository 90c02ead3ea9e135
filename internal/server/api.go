// Package server exposes a read mostly admin API over a running StateDB.
package server

import (
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/setavenger/blindbit-statedb/internal/database"
	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/statedb"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

type ApiHandler struct {
	State   *statedb.StateDB
	Store   database.NodeDB
	Backend string
	// Gatherer backs /metrics. nil serves the default registry.
	Gatherer prometheus.Gatherer
}

type InfoResponse struct {
	statedb.Stats
	Backend string `json:"backend,omitempty"`
}

type BestCanonicalResponse struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

type NodeResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type PrunedResponse struct {
	Hash   string `json:"hash"`
	Height uint64 `json:"height"`
	Pruned bool   `json:"pruned"`
}

type BranchesResponse struct {
	Hash     string                `json:"hash"`
	Branches []statedb.BranchRange `json:"branches"`
}

type PinResponse struct {
	Hash   string `json:"hash"`
	Pinned bool   `json:"pinned"`
}

func (h *ApiHandler) GetInfo(c *gin.Context) {
	c.JSON(http.StatusOK, InfoResponse{Stats: h.State.Stats(), Backend: h.Backend})
}

func (h *ApiHandler) GetBestCanonical(c *gin.Context) {
	st := h.State.Stats()
	if !st.HasCanonical {
		c.JSON(http.StatusNotFound, gin.H{"error": "no block canonicalized yet"})
		return
	}
	c.JSON(http.StatusOK, BestCanonicalResponse{
		Height: st.BestCanonical,
		Hash:   st.LastCanonicalHash,
	})
}

func (h *ApiHandler) GetNode(c *gin.Context) {
	key := c.MustGet(ctxKeyHash).(types.Hash)
	value, ok, err := h.State.Get(key, h.Store)
	if err != nil {
		logging.L.Err(err).Stringer("key", key).Msg("error fetching node")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "could not retrieve data from database",
		})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		return
	}
	c.JSON(http.StatusOK, NodeResponse{
		Key:   key.String(),
		Value: hex.EncodeToString(value),
	})
}

func (h *ApiHandler) GetIsPruned(c *gin.Context) {
	hash := c.MustGet(ctxKeyHash).(types.Hash)
	height := c.MustGet(ctxKeyHeight).(uint64)
	c.JSON(http.StatusOK, PrunedResponse{
		Hash:   hash.String(),
		Height: height,
		Pruned: h.State.IsPruned(hash, height),
	})
}

func (h *ApiHandler) GetBranches(c *gin.Context) {
	hash := c.MustGet(ctxKeyHash).(types.Hash)
	branches, ok := h.State.BranchRanges(hash)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "block is not in the overlay"})
		return
	}
	c.JSON(http.StatusOK, BranchesResponse{Hash: hash.String(), Branches: branches})
}

func (h *ApiHandler) PinBlock(c *gin.Context) {
	hash := c.MustGet(ctxKeyHash).(types.Hash)
	if err := h.State.Pin(hash); err != nil {
		if errors.Is(err, statedb.ErrPinInvalidBlock) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		logging.L.Err(err).Stringer("hash", hash).Msg("error pinning block")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not pin block"})
		return
	}
	c.JSON(http.StatusOK, PinResponse{Hash: hash.String(), Pinned: true})
}

func (h *ApiHandler) UnpinBlock(c *gin.Context) {
	hash := c.MustGet(ctxKeyHash).(types.Hash)
	h.State.Unpin(hash)
	c.JSON(http.StatusOK, PinResponse{Hash: hash.String(), Pinned: h.State.IsPinned(hash)})
}

func (h *ApiHandler) Metrics() gin.HandlerFunc {
	if h.Gatherer == nil {
		return gin.WrapH(promhttp.Handler())
	}
	return gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
}
