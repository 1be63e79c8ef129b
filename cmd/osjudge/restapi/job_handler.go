package restapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/osjudge/osjudge/ingest"
	"github.com/osjudge/osjudge/store"
	"go.uber.org/zap"
)

// Submitter admits a new job
type Submitter interface {
	Submit(ctx context.Context, owner, workDir string) (int64, error)
}

// RecordReader reads job records
type RecordReader interface {
	Get(ctx context.Context, id int64) (store.Record, error)
	List(ctx context.Context, owner string) ([]store.Record, error)
}

// QueueLener reports the number of pending jobs
type QueueLener interface {
	Len() int
}

// SubmitRequest is the body of POST /jobs
type SubmitRequest struct {
	Owner   string `json:"owner" binding:"required"`
	WorkDir string `json:"workDir" binding:"required"`
}

type jobHandle struct {
	submitter Submitter
	records   RecordReader
	queue     QueueLener
	logger    *zap.Logger
}

// NewJobHandle creates a new job handle
func NewJobHandle(submitter Submitter, records RecordReader, queue QueueLener, logger *zap.Logger) Register {
	return &jobHandle{
		submitter: submitter,
		records:   records,
		queue:     queue,
		logger:    logger,
	}
}

func (j *jobHandle) Register(r *gin.Engine) {
	r.POST("/jobs", j.handleSubmit)
	r.GET("/jobs", j.handleList)
	r.GET("/jobs/:id", j.handleGet)
	r.GET("/queue", j.handleQueue)
}

func (j *jobHandle) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadRequest, err.Error())
		return
	}
	id, err := j.submitter.Submit(c.Request.Context(), req.Owner, req.WorkDir)
	switch {
	case errors.Is(err, ingest.ErrEmptyOwner), errors.Is(err, ingest.ErrWorkDirNotExist):
		c.AbortWithStatusJSON(http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ingest.ErrWorkDirNotAllowed):
		c.AbortWithStatusJSON(http.StatusForbidden, err.Error())
		return
	case err != nil:
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (j *jobHandle) handleGet(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, "invalid job id")
		return
	}
	r, err := j.records.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, r)
}

func (j *jobHandle) handleList(c *gin.Context) {
	rs, err := j.records.List(c.Request.Context(), c.Query("owner"))
	if err != nil {
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, err.Error())
		return
	}
	if rs == nil {
		rs = []store.Record{}
	}
	c.JSON(http.StatusOK, rs)
}

func (j *jobHandle) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": j.queue.Len()})
}
