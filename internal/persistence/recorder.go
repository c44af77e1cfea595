package persistence

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"conveyor-plc/internal/metrics"
	"conveyor-plc/internal/types"
	"conveyor-plc/internal/util"
)

// 数据库网关的表单接口
const (
	LimitEventPath = "/guardar_evento.php"
	ObjectPath     = "/guardar_objeto.php"
)

// Outbox 把事件以表单 POST 的方式异步发送给远程数据库网关
// 调用方只负责入队，永远不会被网络阻塞；发送失败只记录日志，不重试
type Outbox struct {
	baseURL    string
	client     *http.Client
	pq         JobQueue
	seq        uint64
	maxQueue   int
	maxWorkers int
	mu         sync.Mutex
	cond       *sync.Cond
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewOutbox 创建发送队列，baseURL 为空时所有记录都被忽略
func NewOutbox(baseURL string, timeout time.Duration, maxQueue, maxWorkers int, logger *slog.Logger) *Outbox {
	if maxQueue <= 0 {
		maxQueue = 64
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	o := &Outbox{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		pq:         make(JobQueue, 0),
		maxQueue:   maxQueue,
		maxWorkers: maxWorkers,
		logger:     logger.With("component", "persistence"),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// RecordLimitEvent 记录限位事件 (evento, tipo_caja, contador_final)
func (o *Outbox) RecordLimitEvent(ctx context.Context, evento, box string, total uint32) {
	form := url.Values{}
	form.Set("evento", evento)
	form.Set("tipo_caja", box)
	form.Set("contador_final", strconv.FormatUint(uint64(total), 10))
	o.enqueue(ctx, &Job{Kind: "evento", Path: LimitEventPath, Form: form, Priority: PriorityLimit})
}

// RecordObject 记录一个已识别的物体 (tipo, color, estado)
func (o *Outbox) RecordObject(ctx context.Context, bin types.Bin, color, condition string) {
	form := url.Values{}
	form.Set("tipo", strconv.Itoa(int(bin)))
	form.Set("color", color)
	form.Set("estado", condition)
	o.enqueue(ctx, &Job{Kind: "objeto", Path: ObjectPath, Form: form, Priority: PriorityObject})
}

// enqueue 将记录放入优先级队列并唤醒发送协程
func (o *Outbox) enqueue(ctx context.Context, job *Job) {
	if o.baseURL == "" {
		metrics.PersistenceRequestsTotal.WithLabelValues(job.Kind, "disabled").Inc()
		return
	}
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		job.TraceID = traceID
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pq.Len() >= o.maxQueue {
		w := o.pq.weakest()
		if w == nil || w.Priority >= job.Priority {
			metrics.PersistenceRequestsTotal.WithLabelValues(job.Kind, "dropped").Inc()
			o.logger.Warn("发送队列已满，丢弃记录", "kind", job.Kind)
			return
		}
		heap.Remove(&o.pq, w.index)
		metrics.PersistenceRequestsTotal.WithLabelValues(w.Kind, "dropped").Inc()
		o.logger.Warn("发送队列已满，丢弃低优先级记录", "kind", w.Kind)
	}

	o.seq++
	job.seq = o.seq
	heap.Push(&o.pq, job)
	metrics.PersistenceQueueDepth.Set(float64(o.pq.Len()))
	o.cond.Signal() // 唤醒一个等待的发送协程
}

// Start 启动发送循环，直到 ctx 取消
func (o *Outbox) Start(ctx context.Context) {
	workerPool := make(chan struct{}, o.maxWorkers)

	// 监听上下文取消信号，用于优雅停机
	go func() {
		<-ctx.Done()
		o.mu.Lock()
		o.cond.Broadcast()
		o.mu.Unlock()
	}()

	for {
		o.mu.Lock()
		for o.pq.Len() == 0 {
			if ctx.Err() != nil {
				o.mu.Unlock()
				return
			}
			o.cond.Wait()
		}
		if ctx.Err() != nil {
			o.mu.Unlock()
			return
		}
		job := heap.Pop(&o.pq).(*Job)
		metrics.PersistenceQueueDepth.Set(float64(o.pq.Len()))
		o.mu.Unlock()

		// 获取发送凭证（控制并发数）
		select {
		case workerPool <- struct{}{}:
		case <-ctx.Done():
			return
		}
		o.wg.Add(1)
		go func(j *Job) {
			defer o.wg.Done()
			defer func() { <-workerPool }()
			o.post(ctx, j)
		}(job)
	}
}

// post 发送一条表单记录，响应内容只用于日志
func (o *Outbox) post(ctx context.Context, job *Job) {
	logger := o.logger.With("kind", job.Kind)
	if job.TraceID != "" {
		logger = logger.With("trace_id", job.TraceID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+job.Path, strings.NewReader(job.Form.Encode()))
	if err != nil {
		metrics.PersistenceRequestsTotal.WithLabelValues(job.Kind, "error").Inc()
		logger.Error("创建数据库请求失败", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if job.TraceID != "" {
		req.Header.Set("X-Trace-ID", job.TraceID)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		metrics.PersistenceRequestsTotal.WithLabelValues(job.Kind, "error").Inc()
		logger.Warn("数据库网关不可用，记录丢失", "error", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	result := "ok"
	if resp.StatusCode != http.StatusOK {
		result = "http_error"
	}
	metrics.PersistenceRequestsTotal.WithLabelValues(job.Kind, result).Inc()
	logger.Info("数据库响应", "status", resp.StatusCode, "body", strings.TrimSpace(string(body)))
}

// Pending 返回队列中等待发送的记录数
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pq.Len()
}

// WaitForCompletion 等待所有正在发送的请求完成
// 用于优雅停机
func (o *Outbox) WaitForCompletion() {
	o.wg.Wait()
}
