package events

type Topic string

const (
	TopicRepoAnalyzed       Topic = "repo.analyzed"
	TopicPipelineGenerated  Topic = "ai.pipeline.generated"
	TopicBuildStart         Topic = "runner.build.start"
	TopicBuildProgress      Topic = "runner.build.progress"
	TopicBuildCompleted     Topic = "runner.build.completed"
	TopicBuildFailed        Topic = "runner.build.failed"
	TopicDeploymentStart    Topic = "deployment.start"
	TopicDeploymentProgress Topic = "deployment.progress"
	TopicDeploymentSuccess  Topic = "deployment.success"
	TopicDeploymentFailed   Topic = "deployment.failed"
	TopicDeploymentCancel   Topic = "deployment.cancel"
	TopicMetricsCollect     Topic = "metrics.collect"
	TopicMetricsAlert       Topic = "metrics.alert"
)

var allTopics = []Topic{
	TopicRepoAnalyzed,
	TopicPipelineGenerated,
	TopicBuildStart,
	TopicBuildProgress,
	TopicBuildCompleted,
	TopicBuildFailed,
	TopicDeploymentStart,
	TopicDeploymentProgress,
	TopicDeploymentSuccess,
	TopicDeploymentFailed,
	TopicDeploymentCancel,
	TopicMetricsCollect,
	TopicMetricsAlert,
}

// Topics returns the complete, closed set of topics.
func Topics() []Topic {
	topics := make([]Topic, len(allTopics))
	copy(topics, allTopics)
	return topics
}

// PipelineTopics returns topics whose events change deployment state or logs.
// They must be published with the deployment id as partition key.
func PipelineTopics() []Topic {
	return []Topic{
		TopicBuildStart,
		TopicBuildProgress,
		TopicBuildCompleted,
		TopicBuildFailed,
		TopicDeploymentStart,
		TopicDeploymentProgress,
		TopicDeploymentSuccess,
		TopicDeploymentFailed,
		TopicDeploymentCancel,
	}
}

func (t Topic) String() string {
	return string(t)
}

func (t Topic) Valid() bool {
	for _, topic := range allTopics {
		if t == topic {
			return true
		}
	}
	return false
}

func TopicNames(topics []Topic) []string {
	names := make([]string, len(topics))
	for i := range topics {
		names[i] = string(topics[i])
	}
	return names
}
