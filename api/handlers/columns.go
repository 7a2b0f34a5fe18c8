package handlers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chambridge/gpudash-aggregator/internal/merge"
	"github.com/chambridge/gpudash-aggregator/internal/ring"
)

// ColumnSummary describes one ring position.
type ColumnSummary struct {
	Position  int    `json:"position"`
	Timestamp string `json:"timestamp"`
	Rows      int    `json:"rows"`
}

// ListColumnsHandler handles /api/gpudash/v1/columns, listing the positions currently on disk
func ListColumnsHandler(columns *ring.Ring) gin.HandlerFunc {
	return func(c *gin.Context) {
		summaries := make([]ColumnSummary, 0, columns.Depth)
		for _, pos := range columns.Positions() {
			rows, err := columns.Read(pos)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read column " + strconv.Itoa(pos) + ": " + err.Error()})
				return
			}
			s := ColumnSummary{Position: pos, Rows: len(rows)}
			if len(rows) > 0 {
				s.Timestamp = rows[0].Timestamp
			}
			summaries = append(summaries, s)
		}

		c.JSON(http.StatusOK, gin.H{
			"metadata": gin.H{
				"depth":  columns.Depth,
				"newest": columns.Newest(),
			},
			"data": summaries,
		})
	}
}

// ColumnHandler handles /api/gpudash/v1/columns/:position
func ColumnHandler(columns *ring.Ring) gin.HandlerFunc {
	return func(c *gin.Context) {
		pos, err := strconv.Atoi(c.Param("position"))
		if err != nil || pos < 1 || pos > columns.Depth {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Position must be between 1 and " + strconv.Itoa(columns.Depth)})
			return
		}
		writeColumn(c, columns, pos)
	}
}

// LatestHandler handles /api/gpudash/v1/latest, serving the newest column
func LatestHandler(columns *ring.Ring) gin.HandlerFunc {
	return func(c *gin.Context) {
		writeColumn(c, columns, columns.Newest())
	}
}

func writeColumn(c *gin.Context, columns *ring.Ring, pos int) {
	rows, err := columns.Read(pos)
	if errors.Is(err, fs.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Column " + strconv.Itoa(pos) + " has not been written"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read column: " + err.Error()})
		return
	}

	if c.GetHeader("Accept") == "text/csv" {
		body, err := encodeCSV(rows)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to write CSV: " + err.Error()})
			return
		}
		c.Header("Content-Disposition", "attachment;filename=column."+strconv.Itoa(pos)+".csv")
		c.Data(http.StatusOK, "text/csv", body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"metadata": gin.H{
			"position": pos,
			"total":    len(rows),
		},
		"data": rows,
	})
}

func encodeCSV(rows []merge.Row) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write([]string{"Timestamp", "Host", "Index", "User", "Util", "JobID"}); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := writer.Write([]string{r.Timestamp, r.Host, r.Index, r.User, r.Util, r.JobID}); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
