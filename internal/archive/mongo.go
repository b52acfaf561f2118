// Package archive 将已终结的任务落库到 MongoDB，供后续审计与查询。
// 未配置 Mongo URI 时归档功能整体关闭，不影响 minion 运行。
package archive

import (
	"context"
	"fmt"
	"time"

	"MinionArmy/internal/config"
	"MinionArmy/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoArchive 是基于 MongoDB 的任务归档实现。
type MongoArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoArchive 连接到 MongoDB 并返回归档实例。
// cfg.URI 为空时返回 (nil, nil)，表示归档被禁用。
func NewMongoArchive(ctx context.Context, cfg *config.MongoConfig) (*MongoArchive, error) {
	if cfg.URI == "" {
		return nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("无法连接到 MongoDB: %w", err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("无法 Ping MongoDB: %w", err)
	}

	return &MongoArchive{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

// ArchiveTask 写入一条已终结的本地任务。
func (a *MongoArchive) ArchiveTask(ctx context.Context, task *models.Task) error {
	_, err := a.collection.InsertOne(ctx, task)
	return err
}

// ArchiveCollaborativeTask 写入一条已完成的协作任务聚合。
func (a *MongoArchive) ArchiveCollaborativeTask(ctx context.Context, task *models.CollaborativeTask) error {
	doc := bson.M{
		"kind":        "collaborative",
		"taskId":      task.TaskID,
		"description": task.Description,
		"requesterId": task.RequesterID,
		"subtasks":    task.Subtasks,
		"status":      task.Status,
		"startTime":   task.StartTime,
		"endTime":     task.EndTime,
	}
	_, err := a.collection.InsertOne(ctx, doc)
	return err
}

// RecentTasks 返回按归档时间倒序的最近 limit 条本地任务。
func (a *MongoArchive) RecentTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	opts := options.Find()
	opts.SetSort(bson.D{{Key: "completedAt", Value: -1}})
	opts.SetLimit(int64(limit))

	cursor, err := a.collection.Find(ctx, bson.M{"kind": bson.M{"$exists": false}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var tasks []*models.Task
	if err = cursor.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Close 断开 MongoDB 连接。
func (a *MongoArchive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}
